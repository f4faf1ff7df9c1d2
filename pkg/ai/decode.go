package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// ResponseSchema reflects the JSON schema a provider is asked to answer
// with. out is the pointer the answer will be decoded into.
func ResponseSchema(out any) any {
	t := reflect.TypeOf(out)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(reflect.New(t).Interface())
}

// DecodeResponse decodes a model answer into out. Local models often wrap
// the object in a markdown fence, surround it with prose, encode it twice or
// emit slightly broken JSON; each form is tried in turn before repairing.
func DecodeResponse(content string, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}
	candidates := responseCandidates(content)
	for _, c := range candidates {
		if decodeInto(c, rv) == nil {
			return nil
		}
	}

	last := candidates[len(candidates)-1]
	repaired, err := jsonrepair.JSONRepair(last)
	if err != nil {
		return fmt.Errorf("malformed model response %q: %w", truncate(content, 200), err)
	}
	if err := decodeInto(repaired, rv); err != nil {
		return fmt.Errorf("model response %q does not match %T: %w", truncate(repaired, 200), out, err)
	}
	return nil
}

// decodeInto replaces *out only when data decodes completely.
func decodeInto(data string, out reflect.Value) error {
	fresh := reflect.New(out.Elem().Type())
	if err := json.Unmarshal([]byte(data), fresh.Interface()); err != nil {
		return err
	}
	out.Elem().Set(fresh.Elem())
	return nil
}

// responseCandidates lists the decodings of content from most to least
// literal. The last one is the best input for repair.
func responseCandidates(content string) []string {
	s := strings.TrimSpace(content)
	out := []string{s}

	var inner string
	if err := json.Unmarshal([]byte(s), &inner); err == nil {
		s = strings.TrimSpace(inner)
		out = append(out, s)
	}
	if fenced, ok := unfence(s); ok {
		s = fenced
		out = append(out, s)
	}
	if span, ok := jsonSpan(s); ok && span != s {
		s = span
		out = append(out, s)
	}
	// "{\n{ ... }" is a common small-model stutter.
	if rest, ok := strings.CutPrefix(s, "{"); ok && strings.HasPrefix(strings.TrimSpace(rest), "{") {
		out = append(out, strings.TrimSpace(rest))
	}
	return out
}

// unfence returns the body of a ``` or ```json block.
func unfence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}

// jsonSpan cuts the text between the first opening and the last closing
// bracket, dropping prose around the answer. Without a closing bracket the
// tail is kept for repair.
func jsonSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return s[start:], true
	}
	return s[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

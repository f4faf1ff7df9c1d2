package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/casetrace/backend/internal/util"
)

const ExtractEntitiesPrompt = `
# Task Context
You are an assistant that extracts forensic identifiers from a single piece of evidence (a chat message, call log line, file note or device metadata entry).

# Background Data
Evidence text:
"""
%s
"""

# Detailed Task Description & Rules
- Extract only identifiers that literally appear in the evidence text.
- Allowed types: phone, ip, crypto_address, device_id, email, url, person.
- "surface_form" must be copied character by character from the evidence text. Do not reformat numbers or fix typos.
- "person" is only used for names of people, never for usernames, companies or places.
- "confidence" is a number between 0 and 1 reflecting how certain you are that the span is an identifier of that type.
- If nothing is found, return an empty list.

# Examples
Evidence: "send 0.5 BTC to bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq, call me on +44 7700 900123"
Output:
{
  "entities": [
    {"type": "crypto_address", "surface_form": "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", "confidence": 0.95},
    {"type": "phone", "surface_form": "+44 7700 900123", "confidence": 0.9}
  ]
}

# Output Formatting
Return a JSON object with this structure:
{
  "entities": [
    {"type": "<type>", "surface_form": "<exact text>", "confidence": <0..1>}
  ]
}
`

// ExtractedEntity is a single identifier reported by the model.
type ExtractedEntity struct {
	Type        string  `json:"type" jsonschema:"enum=phone,enum=ip,enum=crypto_address,enum=device_id,enum=email,enum=url,enum=person" jsonschema_description:"The identifier type."`
	SurfaceForm string  `json:"surface_form" jsonschema_description:"The identifier exactly as written in the evidence."`
	Confidence  float64 `json:"confidence" jsonschema_description:"Certainty between 0 and 1."`
}

// ExtractionResponse is the structured output of CallExtractEntities.
type ExtractionResponse struct {
	Entities []ExtractedEntity `json:"entities" jsonschema_description:"Identifiers found in the evidence."`
}

// UnmarshalJSON also accepts a bare list of entities, which smaller models
// return despite the schema.
func (r *ExtractionResponse) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		r.Entities = nil
		return json.Unmarshal(trimmed, &r.Entities)
	}
	type plain ExtractionResponse
	return json.Unmarshal(data, (*plain)(r))
}

// CallExtractEntities asks the model for the identifiers contained in text.
// Text longer than maxRunes is cut before prompting; maxRunes <= 0 keeps the
// full text.
func CallExtractEntities(
	ctx context.Context,
	client StructuredClient,
	text string,
	maxRunes int,
	maxRetries int,
	opts ...GenerateOption,
) (*ExtractionResponse, error) {
	if client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &ExtractionResponse{}, nil
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes])
	}

	prompt := fmt.Sprintf(ExtractEntitiesPrompt, text)

	var res ExtractionResponse
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		res = ExtractionResponse{}
		return client.GenerateCompletionWithFormat(
			ctx, "extract_entities", "Extract forensic identifiers.", prompt, &res, opts...,
		)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

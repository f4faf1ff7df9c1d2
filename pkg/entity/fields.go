package entity

import (
	"slices"
	"strings"

	"github.com/casetrace/backend/pkg/common"
)

// fieldTypes maps normalized record field names to the entity type their
// identifier values carry.
var fieldTypes = map[string]common.EntityType{
	"phone":           common.EntityPhone,
	"sender_phone":    common.EntityPhone,
	"recipient_phone": common.EntityPhone,
	"caller":          common.EntityPhone,
	"callee":          common.EntityPhone,
	"imei":            common.EntityDeviceID,
	"device_id":       common.EntityDeviceID,
	"ip":              common.EntityIP,
	"src_ip":          common.EntityIP,
	"dst_ip":          common.EntityIP,
	"email":           common.EntityEmail,
	"sender_email":    common.EntityEmail,
	"recipient_email": common.EntityEmail,
	"wallet":          common.EntityCryptoAddress,
	"url":             common.EntityURL,
}

const fieldConfidence = 1.0

// FieldType returns the entity type carried by a field name, if any.
func FieldType(name string) (common.EntityType, bool) {
	t, ok := fieldTypes[strings.ToLower(name)]
	return t, ok
}

// FieldDetections turns the identifier fields of rec into detections.
// Fields are visited in name order so the output is stable.
func FieldDetections(rec *common.Record) []Detection {
	if len(rec.Fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []Detection
	for _, name := range names {
		v := rec.Fields[name]
		if v.Kind() != common.FieldIdentifier {
			continue
		}
		t, ok := FieldType(name)
		if !ok {
			continue
		}
		value := strings.TrimSpace(v.Str())
		if value == "" {
			continue
		}
		out = append(out, Detection{
			Type:        t,
			SurfaceForm: value,
			Offset:      -1,
			Field:       name,
			Confidence:  fieldConfidence,
			Detector:    "field",
		})
	}
	return out
}

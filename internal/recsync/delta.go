package recsync

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Delta is one decoded push-channel notification. Created deltas carry a full
// record payload; status deltas carry the id, the new status, and a
// timestamp/version; removals carry the id only.
type Delta struct {
	Kind      DeltaKind `json:"kind"`
	Category  Category  `json:"category"`
	ID        string    `json:"id"`
	Record    *Record   `json:"record,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Version   int64     `json:"version,omitempty"`
}

const deltaSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind", "category", "id"],
	"properties": {
		"kind": {
			"type": "string",
			"enum": ["created", "statusChanged", "accepted", "declined", "revoked", "removed"]
		},
		"category": {
			"type": "string",
			"enum": ["reservation", "invitation", "friend_request"]
		},
		"id": {"type": "string", "minLength": 1},
		"record": {"type": "object"},
		"status": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"version": {"type": "integer", "minimum": 0}
	},
	"allOf": [
		{
			"if": {"properties": {"kind": {"const": "created"}}},
			"then": {"required": ["record"]}
		},
		{
			"if": {"properties": {"kind": {"const": "statusChanged"}}},
			"then": {"required": ["status"]}
		}
	]
}`

var (
	deltaSchemaOnce sync.Once
	deltaSchema     *jsonschema.Schema
	deltaSchemaErr  error
)

func compiledDeltaSchema() (*jsonschema.Schema, error) {
	deltaSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(deltaSchemaJSON))
		if err != nil {
			deltaSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("delta.schema.json", doc); err != nil {
			deltaSchemaErr = err
			return
		}
		deltaSchema, deltaSchemaErr = compiler.Compile("delta.schema.json")
	})
	return deltaSchema, deltaSchemaErr
}

// ParseDelta validates a raw push payload against the delta schema and
// decodes it. Wire-level status kinds (accepted, declined, revoked) normalize
// to DeltaStatusChanged with the status filled in. A payload that fails
// validation yields a MalformedDeltaError; the caller drops and logs it.
func ParseDelta(payload []byte) (Delta, error) {
	schema, err := compiledDeltaSchema()
	if err != nil {
		return Delta{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return Delta{}, &MalformedDeltaError{Reason: "invalid json: " + err.Error()}
	}
	if err := schema.Validate(instance); err != nil {
		return Delta{}, &MalformedDeltaError{Reason: err.Error()}
	}

	var wire struct {
		Kind      string          `json:"kind"`
		Category  string          `json:"category"`
		ID        string          `json:"id"`
		Record    json.RawMessage `json:"record"`
		Status    string          `json:"status"`
		Timestamp string          `json:"timestamp"`
		Version   int64           `json:"version"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Delta{}, &MalformedDeltaError{Reason: err.Error()}
	}

	category, ok := ParseCategory(wire.Category)
	if !ok {
		return Delta{}, &MalformedDeltaError{Reason: "unrecognized category " + wire.Category}
	}
	delta := Delta{
		Category: category,
		ID:       strings.TrimSpace(wire.ID),
		Version:  wire.Version,
	}
	if delta.ID == "" {
		return Delta{}, &MalformedDeltaError{Reason: "missing id"}
	}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, wire.Timestamp)
		if err != nil {
			return Delta{}, &MalformedDeltaError{Reason: "bad timestamp: " + err.Error()}
		}
		delta.Timestamp = ts
	}

	switch wire.Kind {
	case "created":
		delta.Kind = DeltaCreated
		var record Record
		if err := json.Unmarshal(wire.Record, &record); err != nil {
			return Delta{}, &MalformedDeltaError{Reason: "bad record payload: " + err.Error()}
		}
		if record.ID == "" {
			record.ID = delta.ID
		}
		if record.ID != delta.ID {
			return Delta{}, &MalformedDeltaError{Reason: "record id does not match delta id"}
		}
		record.Category = category
		delta.Record = &record
	case "statusChanged":
		delta.Kind = DeltaStatusChanged
		delta.Status = Status(strings.ToLower(wire.Status))
	case "accepted":
		delta.Kind = DeltaStatusChanged
		delta.Status = StatusAccepted
	case "declined":
		delta.Kind = DeltaStatusChanged
		delta.Status = StatusDeclined
	case "revoked":
		delta.Kind = DeltaStatusChanged
		delta.Status = StatusRevoked
	case "removed":
		delta.Kind = DeltaRemoved
	default:
		return Delta{}, &MalformedDeltaError{Reason: "unrecognized kind " + wire.Kind}
	}
	return delta, nil
}

package ledger

import (
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// RecordKind is the closed set of clinical record variants the ledger accepts.
type RecordKind string

const (
	KindPatientRecord RecordKind = "PatientRecord"
	KindLabResult     RecordKind = "LabResult"
	KindPrescription  RecordKind = "Prescription"
	KindAdmission     RecordKind = "Admission"
	KindAppointment   RecordKind = "Appointment"
	KindSurgery       RecordKind = "Surgery"
	KindEmergency     RecordKind = "Emergency"
)

// Kinds lists every accepted RecordKind.
var Kinds = []RecordKind{
	KindPatientRecord, KindLabResult, KindPrescription, KindAdmission,
	KindAppointment, KindSurgery, KindEmergency,
}

// Valid reports whether k is one of Kinds.
func (k RecordKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is what happened to the referenced record.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	// ActionDelete is a marker: the record was removed from the application
	// store. The ledger itself never deletes anything.
	ActionDelete Action = "Delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Payload is the structured content of an event, usually a content hash or a
// short summary of the affected data rather than the data itself.
type Payload map[string]any

// Event is the unit of input to the ledger. It is immutable once submitted.
type Event struct {
	EventID    string     `json:"event_id"`
	Kind       RecordKind `json:"kind"`
	RecordID   string     `json:"record_id"`
	ActorID    string     `json:"actor_id,omitempty"`
	Action     Action     `json:"action"`
	Payload    Payload    `json:"payload,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

const maxIDLength = 256

// Validate checks the event header and the per-kind payload contract. It
// returns a *ValidationError for contract violations and an *EncodingError
// for payload values that have no canonical representation. On success the
// payload is replaced by its normalised form.
func (e *Event) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"event_id", e.EventID},
		{"record_id", e.RecordID},
	} {
		if strings.TrimSpace(f.val) == "" {
			return &ValidationError{Field: f.name, Message: "is required"}
		}
		if len(f.val) > maxIDLength {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("exceeds %d bytes", maxIDLength)}
		}
	}
	if len(e.ActorID) > maxIDLength {
		return &ValidationError{Field: "actor_id", Message: fmt.Sprintf("exceeds %d bytes", maxIDLength)}
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "is required"}
	}
	if !e.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown record kind %q", e.Kind)}
	}
	if e.Action == "" {
		return &ValidationError{Field: "action", Message: "is required"}
	}
	if !e.Action.Valid() {
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", e.Action)}
	}

	norm, err := normalizePayload(e.Payload)
	if err != nil {
		return err
	}
	e.Payload = norm

	return checkContract(e.Kind, e.Action, e.Payload)
}

// ── Per-kind payload contracts ───────────────────────────────────────────────

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*gojsonschema.Schema
	schemasErr  error
)

func loadSchemas() {
	schemas = make(map[string]*gojsonschema.Schema)
	names := make([]string, 0, len(Kinds)+1)
	for _, k := range Kinds {
		names = append(names, string(k))
	}
	names = append(names, "Delete")

	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			schemasErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		schemas[name] = s
	}
}

// checkContract validates the payload against the kind's schema. Delete
// markers only need to satisfy the generic delete schema.
func checkContract(kind RecordKind, action Action, p Payload) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return schemasErr
	}

	name := string(kind)
	if action == ActionDelete {
		name = "Delete"
	}

	doc := map[string]any(p)
	if doc == nil {
		doc = map[string]any{}
	}
	result, err := schemas[name].Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return &ValidationError{Field: "payload", Message: err.Error()}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return &ValidationError{Field: "payload", Message: strings.Join(msgs, "; ")}
	}
	return nil
}

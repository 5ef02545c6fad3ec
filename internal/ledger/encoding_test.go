package ledger

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

func sampleEvent() Event {
	return Event{
		EventID:    "e1",
		Kind:       KindLabResult,
		RecordID:   "p42",
		ActorID:    "dr-house",
		Action:     ActionCreate,
		OccurredAt: t0,
		Payload: Payload{
			"testCode": "HBA1C",
			"value":    6.1,
			"unit":     "%",
			"flags":    []any{"high", int64(2)},
		},
	}
}

func TestEncodeEventIgnoresMapInsertionOrder(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	b.Payload = Payload{}
	// Insert keys in a different order, with nested maps too.
	for _, k := range []string{"unit", "flags", "value", "testCode"} {
		b.Payload[k] = a.Payload[k]
	}
	a.Payload["meta"] = map[string]any{"z": 1, "a": 2, "m": 3}
	b.Payload["meta"] = map[string]any{"m": 3, "z": 1, "a": 2}

	for i := 0; i < 20; i++ {
		ea, err := EncodeEvent(a)
		require.NoError(t, err)
		eb, err := EncodeEvent(b)
		require.NoError(t, err)
		require.Equal(t, ea, eb, "iteration %d", i)
	}
}

func TestEncodeEventDistinguishesContent(t *testing.T) {
	base, err := EncodeEvent(sampleEvent())
	require.NoError(t, err)

	mutations := map[string]func(*Event){
		"event id":    func(e *Event) { e.EventID = "e2" },
		"kind":        func(e *Event) { e.Kind = KindPrescription },
		"record id":   func(e *Event) { e.RecordID = "p43" },
		"actor":       func(e *Event) { e.ActorID = "" },
		"action":      func(e *Event) { e.Action = ActionUpdate },
		"occurred at": func(e *Event) { e.OccurredAt = e.OccurredAt.Add(time.Nanosecond) },
		"payload":     func(e *Event) { e.Payload["value"] = 6.2 },
		"int vs uint": func(e *Event) { e.Payload["flags"] = []any{"high", int64(-2)} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := sampleEvent()
			mutate(&e)
			enc, err := EncodeEvent(e)
			require.NoError(t, err)
			assert.NotEqual(t, base, enc)
		})
	}
}

func TestEncodeEventRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		e := sampleEvent()
		e.Payload["value"] = v
		_, err := EncodeEvent(e)
		var encErr *EncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "payload.value", encErr.Field)
	}
}

func TestEncodeEventRejectsMissingFields(t *testing.T) {
	cases := map[string]func(*Event){
		"event_id":    func(e *Event) { e.EventID = "" },
		"kind":        func(e *Event) { e.Kind = "" },
		"record_id":   func(e *Event) { e.RecordID = "" },
		"action":      func(e *Event) { e.Action = "" },
		"occurred_at": func(e *Event) { e.OccurredAt = time.Time{} },
	}
	for field, mutate := range cases {
		e := sampleEvent()
		mutate(&e)
		_, err := EncodeEvent(e)
		var encErr *EncodingError
		require.ErrorAs(t, err, &encErr, field)
		assert.Equal(t, field, encErr.Field)
	}
}

func TestEncodeEventRejectsBadValues(t *testing.T) {
	cases := map[string]any{
		"invalid utf8": string([]byte{0xff, 0xfe}),
		"channel":      make(chan int),
		"struct":       struct{ A int }{1},
		"nested":       []any{map[string]any{"x": func() {}}},
	}
	for name, v := range cases {
		e := sampleEvent()
		e.Payload["bad"] = v
		_, err := EncodeEvent(e)
		var encErr *EncodingError
		assert.ErrorAs(t, err, &encErr, name)
	}
}

func TestDecodeEventRoundTripIsStable(t *testing.T) {
	e := sampleEvent()
	e.Payload["raw"] = []byte{1, 2, 3}
	e.Payload["count"] = json.Number("12")
	e.Payload["nested"] = map[string]any{"ok": true, "none": nil}

	enc, err := EncodeEvent(e)
	require.NoError(t, err)
	dec, err := DecodeEvent(enc)
	require.NoError(t, err)

	assert.Equal(t, e.EventID, dec.EventID)
	assert.Equal(t, e.Kind, dec.Kind)
	assert.True(t, e.OccurredAt.Equal(dec.OccurredAt))
	assert.Equal(t, uint64(12), dec.Payload["count"])

	again, err := EncodeEvent(dec)
	require.NoError(t, err)
	assert.Equal(t, enc, again)
}

func TestDecodeEventRejectsUnknownVersion(t *testing.T) {
	b, err := encMode.Marshal(wireEvent{Version: 99, EventID: "e", Kind: "LabResult", RecordID: "r", Action: "Create", OccurredAt: 1})
	require.NoError(t, err)
	_, err = DecodeEvent(b)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Event)
		field   string
		encFail bool
	}{
		{name: "valid", mutate: func(*Event) {}},
		{name: "minimal patient record", mutate: func(e *Event) {
			e.Kind, e.Payload, e.ActorID = KindPatientRecord, nil, ""
		}},
		{name: "missing event id", mutate: func(e *Event) { e.EventID = "  " }, field: "event_id"},
		{name: "missing record id", mutate: func(e *Event) { e.RecordID = "" }, field: "record_id"},
		{name: "unknown kind", mutate: func(e *Event) { e.Kind = "Invoice" }, field: "kind"},
		{name: "unknown action", mutate: func(e *Event) { e.Action = "Purge" }, field: "action"},
		{name: "lab result without test code", mutate: func(e *Event) { delete(e.Payload, "testCode") }, field: "payload"},
		{name: "emergency bad severity", mutate: func(e *Event) {
			e.Kind, e.Payload = KindEmergency, Payload{"severity": "meh"}
		}, field: "payload"},
		{name: "delete needs no kind fields", mutate: func(e *Event) {
			e.Action, e.Payload = ActionDelete, Payload{"reason": "entered in error"}
		}},
		{name: "nan payload", mutate: func(e *Event) { e.Payload["value"] = math.NaN() }, encFail: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := sampleEvent()
			tc.mutate(&e)
			err := e.Validate()
			switch {
			case tc.encFail:
				var encErr *EncodingError
				assert.ErrorAs(t, err, &encErr)
			case tc.field != "":
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tc.field, ve.Field)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNormalisesPayload(t *testing.T) {
	e := sampleEvent()
	e.Payload["count"] = 3
	require.NoError(t, e.Validate())
	assert.Equal(t, uint64(3), e.Payload["count"])
	assert.Equal(t, uint64(2), e.Payload["flags"].([]any)[1])
}

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// SchemaVersion identifies the canonical event layout. It is part of every
// encoded event and therefore of every block hash; changing the layout means
// bumping it, never reinterpreting old bytes.
const SchemaVersion = 1

// wireEvent is the canonical v1 layout: a fixed-order CBOR array.
type wireEvent struct {
	_          struct{} `cbor:",toarray"`
	Version    uint64
	EventID    string
	Kind       string
	RecordID   string
	ActorID    string
	Action     string
	OccurredAt int64
	Payload    map[string]any
}

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.IndefLength = cbor.IndefLengthForbidden
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: cbor enc mode: %v", err))
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: cbor dec mode: %v", err))
	}
	return dm
}

// EncodeEvent returns the canonical encoding of e. The output depends only on
// the logical content of the event, never on map insertion order.
func EncodeEvent(e Event) ([]byte, error) {
	switch {
	case e.EventID == "":
		return nil, &EncodingError{Field: "event_id", Err: errors.New("required field absent")}
	case e.Kind == "":
		return nil, &EncodingError{Field: "kind", Err: errors.New("required field absent")}
	case e.RecordID == "":
		return nil, &EncodingError{Field: "record_id", Err: errors.New("required field absent")}
	case e.Action == "":
		return nil, &EncodingError{Field: "action", Err: errors.New("required field absent")}
	case e.OccurredAt.IsZero():
		return nil, &EncodingError{Field: "occurred_at", Err: errors.New("required field absent")}
	}
	for _, f := range []struct{ name, val string }{
		{"event_id", e.EventID}, {"kind", string(e.Kind)}, {"record_id", e.RecordID},
		{"actor_id", e.ActorID}, {"action", string(e.Action)},
	} {
		if !utf8.ValidString(f.val) {
			return nil, &EncodingError{Field: f.name, Err: errors.New("invalid UTF-8")}
		}
	}

	payload, err := normalizePayload(e.Payload)
	if err != nil {
		return nil, err
	}

	b, err := encMode.Marshal(wireEvent{
		Version:    SchemaVersion,
		EventID:    e.EventID,
		Kind:       string(e.Kind),
		RecordID:   e.RecordID,
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		OccurredAt: e.OccurredAt.UnixNano(),
		Payload:    payload,
	})
	if err != nil {
		return nil, &EncodingError{Field: "event", Err: err}
	}
	return b, nil
}

// DecodeEvent parses a canonical encoding produced by EncodeEvent.
func DecodeEvent(b []byte) (Event, error) {
	var w wireEvent
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if w.Version != SchemaVersion {
		return Event{}, fmt.Errorf("decode event: unsupported schema version %d", w.Version)
	}
	return Event{
		EventID:    w.EventID,
		Kind:       RecordKind(w.Kind),
		RecordID:   w.RecordID,
		ActorID:    w.ActorID,
		Action:     Action(w.Action),
		Payload:    Payload(w.Payload),
		OccurredAt: time.Unix(0, w.OccurredAt).UTC(),
	}, nil
}

// normalizePayload maps every payload value onto the small set of types the
// canonical encoding round-trips exactly: string, bool, nil, uint64 (for
// non-negative integers), int64, float64, []byte, []any and map[string]any.
// An empty payload normalises to nil.
func normalizePayload(p Payload) (Payload, error) {
	if len(p) == 0 {
		return nil, nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		path := "payload." + k
		if !utf8.ValidString(k) {
			return nil, &EncodingError{Field: path, Err: errors.New("key is not valid UTF-8")}
		}
		nv, err := normalizeValue(path, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(path string, v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if !utf8.ValidString(t) {
			return nil, &EncodingError{Field: path, Err: errors.New("string is not valid UTF-8")}
		}
		return t, nil
	case bool:
		return t, nil
	case int:
		return signed(int64(t)), nil
	case int8:
		return signed(int64(t)), nil
	case int16:
		return signed(int64(t)), nil
	case int32:
		return signed(int64(t)), nil
	case int64:
		return signed(t), nil
	case uint:
		return uint64(t), nil
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return t, nil
	case float32:
		return finite(path, float64(t))
	case float64:
		return finite(path, t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return signed(i), nil
		}
		if u, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return u, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, &EncodingError{Field: path, Err: fmt.Errorf("bad number %q", t)}
		}
		return finite(path, f)
	case []byte:
		cp := make([]byte, len(t))
		copy(cp, t)
		return cp, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			nv, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), el)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, el := range t {
			nv, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), el)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			if !utf8.ValidString(k) {
				return nil, &EncodingError{Field: path + "." + k, Err: errors.New("key is not valid UTF-8")}
			}
			nv, err := normalizeValue(path+"."+k, el)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case Payload:
		return normalizeValue(path, map[string]any(t))
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, el := range t {
			nv, err := normalizeValue(path+"."+k, el)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	default:
		return nil, &EncodingError{Field: path, Err: fmt.Errorf("unsupported value type %T", v)}
	}
}

func signed(i int64) any {
	if i >= 0 {
		return uint64(i)
	}
	return i
}

func finite(path string, f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &EncodingError{Field: path, Err: errors.New("non-finite number")}
	}
	return f, nil
}

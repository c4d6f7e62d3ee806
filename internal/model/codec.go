package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Value kinds used by the snapshot encoding. Stored as short tags so the
// blobs stay small.
const (
	kindNull   = "n"
	kindString = "s"
	kindInt    = "i"
	kindFloat  = "f"
	kindBool   = "b"
	kindTime   = "t"
	kindBytes  = "y"
	kindRef    = "r"
)

type wireValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
}

type wireReference struct {
	Name   string          `json:"name"`
	Zone   ZoneID          `json:"zone"`
	Action ReferenceAction `json:"action,omitempty"`
}

type wireRecord struct {
	Name      string               `json:"name"`
	Zone      ZoneID               `json:"zone"`
	Type      string               `json:"type"`
	ChangeTag string               `json:"change_tag,omitempty"`
	Fields    map[string]wireValue `json:"fields,omitempty"`
	Parent    *wireReference       `json:"parent,omitempty"`
	Share     *wireReference       `json:"share,omitempty"`
	Modified  time.Time            `json:"modified,omitzero"`
}

// EncodeRecord serialises a record, including its system metadata, into the
// snapshot blob cached next to each synced entity.
func EncodeRecord(r *Record) ([]byte, error) {
	w := wireRecord{
		Name:      r.ID.Name,
		Zone:      r.ID.Zone,
		Type:      r.Type,
		ChangeTag: r.ChangeTag,
		Fields:    make(map[string]wireValue, len(r.Fields)),
		Parent:    toWireRef(r.Parent),
		Share:     toWireRef(r.Share),
		Modified:  r.Modified,
	}
	for k, v := range r.Fields {
		wv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding field %q of %s: %w", k, r.ID, err)
		}
		w.Fields[k] = wv
	}
	return json.Marshal(w)
}

// DecodeRecord is the inverse of [EncodeRecord].
func DecodeRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding record snapshot: %w", err)
	}
	r := &Record{
		ID:        RecordID{Name: w.Name, Zone: w.Zone},
		Type:      w.Type,
		ChangeTag: w.ChangeTag,
		Fields:    make(map[string]any, len(w.Fields)),
		Parent:    fromWireRef(w.Parent),
		Share:     fromWireRef(w.Share),
		Modified:  w.Modified,
	}
	for k, wv := range w.Fields {
		v, err := decodeValue(wv)
		if err != nil {
			return nil, fmt.Errorf("decoding field %q of %s: %w", k, r.ID, err)
		}
		r.Fields[k] = v
	}
	return r, nil
}

func toWireRef(ref *Reference) *wireReference {
	if ref == nil {
		return nil
	}
	return &wireReference{Name: ref.RecordID.Name, Zone: ref.RecordID.Zone, Action: ref.Action}
}

func fromWireRef(w *wireReference) *Reference {
	if w == nil {
		return nil
	}
	return &Reference{RecordID: RecordID{Name: w.Name, Zone: w.Zone}, Action: w.Action}
}

func encodeValue(v any) (wireValue, error) {
	var kind string
	var payload any
	switch x := v.(type) {
	case nil:
		return wireValue{Kind: kindNull}, nil
	case string:
		kind, payload = kindString, x
	case int64:
		kind, payload = kindInt, x
	case int:
		kind, payload = kindInt, int64(x)
	case float64:
		kind, payload = kindFloat, x
	case bool:
		kind, payload = kindBool, x
	case time.Time:
		kind, payload = kindTime, x.UTC().Format(time.RFC3339Nano)
	case []byte:
		kind, payload = kindBytes, x
	case Reference:
		kind, payload = kindRef, toWireRef(&x)
	case *Reference:
		if x == nil {
			return wireValue{Kind: kindNull}, nil
		}
		kind, payload = kindRef, toWireRef(x)
	default:
		return wireValue{}, fmt.Errorf("unsupported value type %T", v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return wireValue{}, err
	}
	return wireValue{Kind: kind, Value: raw}, nil
}

func decodeValue(w wireValue) (any, error) {
	switch w.Kind {
	case kindNull:
		return nil, nil
	case kindString:
		var s string
		err := json.Unmarshal(w.Value, &s)
		return s, err
	case kindInt:
		var i int64
		err := json.Unmarshal(w.Value, &i)
		return i, err
	case kindFloat:
		var f float64
		err := json.Unmarshal(w.Value, &f)
		return f, err
	case kindBool:
		var b bool
		err := json.Unmarshal(w.Value, &b)
		return b, err
	case kindTime:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case kindBytes:
		var b []byte
		err := json.Unmarshal(w.Value, &b)
		return b, err
	case kindRef:
		var ref wireReference
		if err := json.Unmarshal(w.Value, &ref); err != nil {
			return nil, err
		}
		return *fromWireRef(&ref), nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", w.Kind)
	}
}

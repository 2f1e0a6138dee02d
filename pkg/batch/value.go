package batch

import (
	"encoding/json"
)

// NoneSentinel is the value for a key the upstream has no records for.
const NoneSentinel = "NONE"

// Kind says which of the three shapes a Value has.
type Kind int

const (
	// KindFailed: the fetch failed; serialized as null.
	KindFailed Kind = iota
	// KindNone: the upstream answered with zero records; serialized as "NONE".
	KindNone
	// KindRecord: the first upstream record.
	KindRecord
)

// Record is the normalized first bundle of a lookup.
type Record struct {
	ID          json.RawMessage `json:"Id"`
	Name        string          `json:"Name"`
	Description string          `json:"Description"`
}

// Value is the per-key batch result.
type Value struct {
	Kind   Kind
	Record *Record
}

// Failed returns the null value.
func Failed() Value { return Value{Kind: KindFailed} }

// None returns the "NONE" value.
func None() Value { return Value{Kind: KindNone} }

// Found wraps a record.
func Found(r Record) Value { return Value{Kind: KindRecord, Record: &r} }

// MarshalJSON renders a record object, the string "NONE", or null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindRecord:
		if v.Record == nil {
			return []byte("null"), nil
		}
		return json.Marshal(v.Record)
	case KindNone:
		return json.Marshal(NoneSentinel)
	default:
		return []byte("null"), nil
	}
}

// Result maps each lookup key to its value.
type Result map[string]Value

// bundlesDocument is the part of the upstream reply the aggregator reads.
type bundlesDocument struct {
	Data []struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
	} `json:"data"`
}

// reduce turns a successful upstream body into a Value. A body that is not a
// catalog document counts as a failed fetch.
func reduce(body []byte) Value {
	var doc bundlesDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return Failed()
	}
	if len(doc.Data) == 0 {
		return None()
	}

	first := doc.Data[0]
	id := first.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Found(Record{
		ID:          id,
		Name:        first.Name,
		Description: first.Description,
	})
}

package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Fields is the field-level view of an entity used for merging and diffing.
// Numbers are held as json.Number so values from pushes and from callers compare equal.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f overlaid with changes.
func (f Fields) Merge(changes Fields) Fields {
	out := f.Clone()
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// Without returns a copy of f lacking the given keys.
func (f Fields) Without(keys ...string) Fields {
	out := f.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Adapter exposes an entity type to the engine.
type Adapter[T any] interface {
	ID(T) string
	Fields(T) Fields
	Build(Fields) (T, error)
}

// Record is a schemaless entity.
type Record map[string]any

// RecordAdapter adapts Record using IDField (default "id") as the identifier.
type RecordAdapter struct {
	IDField string
}

func (a RecordAdapter) idField() string {
	if a.IDField == "" {
		return "id"
	}
	return a.IDField
}

func (a RecordAdapter) ID(r Record) string {
	return idString(r[a.idField()])
}

func (a RecordAdapter) Fields(r Record) Fields {
	if f, err := normalize(r); err == nil {
		return f
	}
	out := make(Fields, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (a RecordAdapter) Build(f Fields) (Record, error) {
	out := make(Record, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out, nil
}

// JSONAdapter adapts any JSON-serializable struct. IDOf extracts the identifier.
type JSONAdapter[T any] struct {
	IDOf func(T) string
}

func (a JSONAdapter[T]) ID(v T) string {
	return a.IDOf(v)
}

func (a JSONAdapter[T]) Fields(v T) Fields {
	f, err := normalize(v)
	if err != nil {
		return Fields{}
	}
	return f
}

func (a JSONAdapter[T]) Build(f Fields) (T, error) {
	var v T
	raw, err := json.Marshal(f)
	if err != nil {
		return v, fmt.Errorf("failed to marshal fields: %w", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to build entity: %w", err)
	}
	return v, nil
}

// normalize converts any JSON-serializable value into Fields with json.Number numbers.
func normalize(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	return decodeFields(raw)
}

func decodeFields(raw []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode entity fields: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("entity payload is not an object")
	}
	return f, nil
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}

// Package event defines the immutable record type the detection pipeline
// consumes from the (external) kernel event producer.
//
// Events carry a compact, sorted field map so lookups are O(log n) and so
// that replay and the AC/NFA backends observe a canonical, deterministic
// representation of every event regardless of what order the producer
// populated fields in.
package event

import (
	"fmt"
	"strconv"
)

// EventTypeID names the kind of event (process-exec, file-open, net-connect,
// ...). The mapping from human names to small integers is owned by the
// schema registry (see package schema); the core only ever sees the integer.
type EventTypeID uint16

// FieldID names a single field within an event's field map. Like
// EventTypeID, the name<->id mapping lives in the schema registry.
type FieldID uint32

// EntityKey identifies the subject an event belongs to (e.g. a process
// lineage). Sequence matching in the NFA engine groups partial matches by
// this value. The wire format carries entity keys as a 128-bit unsigned
// integer, wider than any native Go integer, so EntityKey is split into
// two 64-bit halves rather than truncated to uint64.
type EntityKey struct {
	Hi, Lo uint64
}

// EntityKeyFromUint64 widens an unsigned 64-bit field value into an
// EntityKey, zero-extending into the high half.
func EntityKeyFromUint64(v uint64) EntityKey { return EntityKey{Lo: v} }

// EntityKeyFromInt64 widens a signed 64-bit field value into an EntityKey,
// sign-extending into the high half so ordering and round-tripping are
// preserved for negative values.
func EntityKeyFromInt64(v int64) EntityKey {
	if v < 0 {
		return EntityKey{Hi: ^uint64(0), Lo: uint64(v)}
	}
	return EntityKey{Lo: uint64(v)}
}

// IsZero reports whether k is the zero entity key.
func (k EntityKey) IsZero() bool { return k.Hi == 0 && k.Lo == 0 }

// Less orders entity keys as a single 128-bit unsigned integer, high half
// first.
func (k EntityKey) Less(o EntityKey) bool {
	if k.Hi != o.Hi {
		return k.Hi < o.Hi
	}
	return k.Lo < o.Lo
}

func (k EntityKey) String() string {
	if k.Hi == 0 {
		return strconv.FormatUint(k.Lo, 10)
	}
	return fmt.Sprintf("0x%016x%016x", k.Hi, k.Lo)
}

// ValueKind tags the dynamic type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindI64
	KindU64
	KindF64
	KindBool
	KindString
	KindBytes
	KindArray
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindI64:
		return "i64"
	case KindU64:
		return "u64"
	case KindF64:
		return "f64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a tagged, immutable typed value. Only the field matching its Kind
// is meaningful; the rest are zero. Value is intentionally small and
// self-contained so it can be copied freely.
type Value struct {
	Kind ValueKind
	I64  int64
	U64  uint64
	F64  float64
	Bool bool
	Str  string
	Byte []byte
	Arr  []Value
}

func Null() Value                 { return Value{Kind: KindNull} }
func I64(v int64) Value           { return Value{Kind: KindI64, I64: v} }
func U64(v uint64) Value          { return Value{Kind: KindU64, U64: v} }
func F64(v float64) Value         { return Value{Kind: KindF64, F64: v} }
func Bool(v bool) Value           { return Value{Kind: KindBool, Bool: v} }
func String(v string) Value       { return Value{Kind: KindString, Str: v} }
func Bytes(v []byte) Value        { return Value{Kind: KindBytes, Byte: v} }
func Array(v []Value) Value       { return Value{Kind: KindArray, Arr: v} }
func (v Value) IsNull() bool      { return v.Kind == KindNull }

// AsString returns the string content of the value. Numeric and bool values
// are not stringified; callers wanting text-only semantics check Kind first.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// AsFloat returns v as a float64 for numeric comparisons, widening I64/U64.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindI64:
		return float64(v.I64), true
	case KindU64:
		return float64(v.U64), true
	case KindF64:
		return v.F64, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindI64:
		return fmt.Sprintf("%d", v.I64)
	case KindU64:
		return fmt.Sprintf("%d", v.U64)
	case KindF64:
		return fmt.Sprintf("%g", v.F64)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("%x", v.Byte)
	case KindArray:
		return fmt.Sprintf("%v", v.Arr)
	default:
		return "?"
	}
}

// field is one sorted (FieldID, Value) pair within an Event.
type field struct {
	id    FieldID
	value Value
}

// Event is an immutable record delivered by the (external) event producer.
//
// Ordering between two events from the same producer is by TSMonoNS then
// EventID; EventID only breaks ties when two events share a timestamp.
// Fields is always kept sorted ascending by FieldID so Get is O(log n) and
// two events built from the same field set compare byte-identically.
type Event struct {
	EventID     uint64
	EventTypeID EventTypeID
	TSMonoNS    uint64
	TSWallNS    uint64
	EntityKey   EntityKey
	SourceID    string

	fields []field
}

// New creates an Event with no fields set; use WithField to populate it, or
// build one with Builder for validated construction.
func New(typeID EventTypeID, tsMono, tsWall uint64, entity EntityKey) Event {
	return Event{
		EventTypeID: typeID,
		TSMonoNS:    tsMono,
		TSWallNS:    tsWall,
		EntityKey:   entity,
	}
}

// WithField returns a copy of the event with the given field inserted in
// sorted position. Inserting a FieldID that already exists replaces its
// value.
func (e Event) WithField(id FieldID, v Value) Event {
	fields := make([]field, len(e.fields))
	copy(fields, e.fields)

	pos := sortSearch(fields, id)
	if pos < len(fields) && fields[pos].id == id {
		fields[pos].value = v
	} else {
		fields = append(fields, field{})
		copy(fields[pos+1:], fields[pos:])
		fields[pos] = field{id: id, value: v}
	}
	e.fields = fields
	return e
}

// WithSource returns a copy of the event carrying the given origin tag.
func (e Event) WithSource(source string) Event {
	e.SourceID = source
	return e
}

// Get returns the value stored under id via binary search, and whether it
// was present.
func (e Event) Get(id FieldID) (Value, bool) {
	pos := sortSearch(e.fields, id)
	if pos < len(e.fields) && e.fields[pos].id == id {
		return e.fields[pos].value, true
	}
	return Value{}, false
}

// Has reports whether the event carries a value for id.
func (e Event) Has(id FieldID) bool {
	_, ok := e.Get(id)
	return ok
}

// FieldIDs returns the sorted list of field ids present on the event. The
// returned slice must not be mutated.
func (e Event) FieldIDs() []FieldID {
	ids := make([]FieldID, len(e.fields))
	for i, f := range e.fields {
		ids[i] = f.id
	}
	return ids
}

// NumFields returns the number of fields on the event.
func (e Event) NumFields() int { return len(e.fields) }

func sortSearch(fields []field, id FieldID) int {
	lo, hi := 0, len(fields)
	for lo < hi {
		mid := (lo + hi) / 2
		if fields[mid].id < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Less orders two events by (TSMonoNS, EventID) ascending, the canonical
// order required for deterministic replay and alert emission.
func Less(a, b Event) bool {
	if a.TSMonoNS != b.TSMonoNS {
		return a.TSMonoNS < b.TSMonoNS
	}
	return a.EventID < b.EventID
}

// Builder validates required fields before producing an Event, mirroring
// the construction discipline used across the engine's compiled types.
type Builder struct {
	e         Event
	haveType  bool
	haveMono  bool
	haveWall  bool
	haveEnt   bool
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) EventType(id EventTypeID) *Builder { b.e.EventTypeID = id; b.haveType = true; return b }
func (b *Builder) TSMono(ts uint64) *Builder          { b.e.TSMonoNS = ts; b.haveMono = true; return b }
func (b *Builder) TSWall(ts uint64) *Builder          { b.e.TSWallNS = ts; b.haveWall = true; return b }
func (b *Builder) Entity(key EntityKey) *Builder      { b.e.EntityKey = key; b.haveEnt = true; return b }
func (b *Builder) EventID(id uint64) *Builder         { b.e.EventID = id; return b }
func (b *Builder) Source(source string) *Builder      { b.e.SourceID = source; return b }
func (b *Builder) Field(id FieldID, v Value) *Builder { b.e = b.e.WithField(id, v); return b }

// Build returns the constructed event, or an error naming the first missing
// required attribute.
func (b *Builder) Build() (Event, error) {
	switch {
	case !b.haveType:
		return Event{}, missingField("event_type_id")
	case !b.haveMono:
		return Event{}, missingField("ts_mono_ns")
	case !b.haveWall:
		return Event{}, missingField("ts_wall_ns")
	case !b.haveEnt:
		return Event{}, missingField("entity_key")
	}
	return b.e, nil
}

type buildError struct{ field string }

func (e *buildError) Error() string { return fmt.Sprintf("missing required field: %s", e.field) }

func missingField(name string) error { return &buildError{field: name} }

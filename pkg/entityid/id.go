// Package entityid implements entity identities: a 10-bit [Kind] combined
// with a 58-bit value, their canonical Base59 string form, the legacy packed
// 64-bit encoding and kind registries.
//
// Kind names are not global state. String conversion that needs names goes
// through a [KindRegistry] built once at startup with [Builder].
package entityid

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// NumValueBits is the number of bits available for an ID's value.
	NumValueBits = 58

	// ValueMask isolates the value bits of a packed identifier.
	ValueMask uint64 = 1<<NumValueBits - 1

	// MaxValue is the exclusive upper bound of ID values.
	MaxValue uint64 = 1 << NumValueBits

	// IDLength is the number of Base59 characters in the value part of the
	// string form.
	IDLength = 10
)

// alphabet omits the easily confused characters 1, I and l. It is sorted so
// that the zero-padded encoding preserves numeric order.
const alphabet = "023456789ABCDEFGHJKLMNOPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const base = uint64(len(alphabet))

var (
	// ErrInvalidID is returned when constructing an ID from out-of-range parts.
	ErrInvalidID = errors.New("entityid: invalid entity id")

	// ErrFormat is returned when parsing a malformed entity id string.
	ErrFormat = errors.New("entityid: malformed entity id")
)

var decodeTable = func() (t [256]int8) {
	for i := range t {
		t[i] = -1
	}
	for i := range len(alphabet) {
		t[alphabet[i]] = int8(i)
	}
	return t
}()

// ID identifies one entity. The zero value is [None]. IDs are comparable and
// usable as map keys.
type ID struct {
	kind  Kind
	value uint64
}

// None is the empty identity.
var None = ID{}

// New returns the ID for (kind, value). It fails with [ErrInvalidID] when the
// value does not fit in [NumValueBits], when kind is out of range or when
// [KindNone] is combined with a non-zero value.
func New(kind Kind, value uint64) (ID, error) {
	if int(kind) >= MaxKindValue {
		return None, fmt.Errorf("%w: kind %d exceeds maximum %d", ErrInvalidID, kind, MaxKindValue-1)
	}
	if value >= MaxValue {
		return None, fmt.Errorf("%w: value %d must be smaller than %d", ErrInvalidID, value, MaxValue)
	}
	if kind == KindNone && value != 0 {
		return None, fmt.Errorf("%w: value must be zero for kind None", ErrInvalidID)
	}
	return ID{kind: kind, value: value}, nil
}

// MustNew is like [New] but panics on error. Use it for constants.
func MustNew(kind Kind, value uint64) ID {
	id, err := New(kind, value)
	if err != nil {
		panic(err)
	}
	return id
}

// Kind returns the entity kind.
func (id ID) Kind() Kind { return id.kind }

// Value returns the 58-bit value.
func (id ID) Value() uint64 { return id.value }

// IsNone reports whether id is exactly [None].
func (id ID) IsNone() bool { return id == None }

// IsOfKind reports whether id has the given kind.
func (id ID) IsOfKind(k Kind) bool { return id.kind == k }

// Compare orders ids by kind first, then by value.
func Compare(a, b ID) int {
	if c := cmp.Compare(a.kind, b.kind); c != 0 {
		return c
	}
	return cmp.Compare(a.value, b.value)
}

// Less reports whether id sorts before o.
func (id ID) Less(o ID) bool { return Compare(id, o) < 0 }

// String renders id without kind names: "None", "InvalidNone:<value>" or
// "#<kind>:<value>". Use [KindRegistry.Format] for the canonical form.
func (id ID) String() string {
	switch {
	case id == None:
		return "None"
	case id.kind == KindNone:
		return "InvalidNone:" + EncodeValue(id.value)
	default:
		return fmt.Sprintf("#%d:%s", id.kind, EncodeValue(id.value))
	}
}

// LogValue implements [slog.LogValuer].
func (id ID) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// EncodeValue renders v as exactly [IDLength] Base59 characters. The
// encoding is monotonic: larger values compare greater as strings. Values that
// do not fit in 58 bits are truncated to their low bits.
func EncodeValue(v uint64) string {
	var buf [IDLength]byte
	v &= ValueMask
	for i := IDLength - 1; i >= 0; i-- {
		buf[i] = alphabet[v%base]
		v /= base
	}
	return string(buf[:])
}

// DecodeValue parses the Base59 value part of an id string.
func DecodeValue(s string) (uint64, error) {
	if len(s) != IDLength {
		return 0, fmt.Errorf("%w: value %q must be exactly %d characters", ErrFormat, s, IDLength)
	}
	var v uint64
	for i := range len(s) {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: invalid character %q in %q", ErrFormat, s[i], s)
		}
		v = v*base + uint64(d)
	}
	if v >= MaxValue {
		return 0, fmt.Errorf("%w: value %q exceeds %d bits", ErrFormat, s, NumValueBits)
	}
	return v, nil
}

// Format renders id in canonical form "<KindName>:<Base59>". [None] is
// rendered as "None" and an invalid none as "InvalidNone:<value>".
func (r *KindRegistry) Format(id ID) string {
	switch {
	case id == None:
		return "None"
	case id.kind == KindNone:
		return "InvalidNone:" + EncodeValue(id.value)
	default:
		return r.Name(id.kind) + ":" + EncodeValue(id.value)
	}
}

// Parse parses the canonical string form produced by [KindRegistry.Format].
// "None" parses to [None]; "None:<anything>" is rejected.
func (r *KindRegistry) Parse(s string) (ID, error) {
	if s == "None" {
		return None, nil
	}
	kindName, valueStr, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(valueStr, ":") {
		return None, fmt.Errorf("%w: %q must have the form <kind>:<value>", ErrFormat, s)
	}
	if kindName == "None" {
		return None, fmt.Errorf("%w: None must not have a value in %q", ErrFormat, s)
	}
	kind, err := r.Resolve(kindName)
	if err != nil {
		return None, fmt.Errorf("%w in %q", err, s)
	}
	v, err := DecodeValue(valueStr)
	if err != nil {
		return None, err
	}
	return ID{kind: kind, value: v}, nil
}

// ParseWithKind parses s and checks that it names an entity of the expected
// kind. [KindNone] is only accepted when expected is KindNone.
func (r *KindRegistry) ParseWithKind(expected Kind, s string) (ID, error) {
	id, err := r.Parse(s)
	if err != nil {
		return None, err
	}
	if id.kind != expected {
		return None, fmt.Errorf("%w: %q is of kind %s, expected %s", ErrFormat, s, r.Name(id.kind), r.Name(expected))
	}
	return id, nil
}

// IsValidID reports whether id names a registered, non-None entity.
func (r *KindRegistry) IsValidID(id ID) bool {
	return id.kind != KindNone && r.valid.IsSet(id.kind) && id.value < MaxValue
}

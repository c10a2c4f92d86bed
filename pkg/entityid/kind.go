package entityid

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

// Kind names a family of entities such as players, guilds or a singleton
// service. Valid kinds lie in [0, MaxKindValue).
type Kind uint16

const (
	// KindNone is reserved for [None] and never belongs to a registered range.
	KindNone Kind = 0

	// MaxKindValue is the exclusive upper bound of kind values.
	MaxKindValue = 1024
)

// ErrInvalidRegistry is returned by [Builder.Build] when the declared kind
// sets are inconsistent.
var ErrInvalidRegistry = errors.New("entityid: invalid kind registry")

// KindRange is a half-open range [Start, End) of kind values owned by one
// [KindSet].
type KindRange struct {
	Start Kind
	End   Kind
}

func (r KindRange) width() int { return int(r.End) - int(r.Start) }

func (r KindRange) contains(k Kind) bool { return k >= r.Start && k < r.End }

// KindDef declares a single named kind.
type KindDef struct {
	Name  string
	Value Kind
}

// KindSet is one independent block of kind declarations, for example the
// runtime's own service kinds or a game's entity kinds. Every kind in the set
// must fall into one of its Ranges.
type KindSet struct {
	Name   string
	Ranges []KindRange
	Kinds  []KindDef
}

// Builder collects [KindSet]s and validates them together in [Builder.Build].
type Builder struct {
	sets []KindSet
}

// NewBuilder returns an empty [Builder].
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends kind sets to the builder. Validation is deferred to Build so
// that all problems are reported at once.
func (b *Builder) Add(sets ...KindSet) *Builder {
	b.sets = append(b.sets, sets...)
	return b
}

// Build validates every added set and returns the resulting registry. The
// returned error joins all problems found and wraps [ErrInvalidRegistry].
func (b *Builder) Build() (*KindRegistry, error) {
	var errs []error

	type owned struct {
		set string
		r   KindRange
	}
	var ranges []owned

	reg := &KindRegistry{
		byName: make(map[string]Kind),
	}
	defined := make(map[Kind]string)

	for _, set := range b.sets {
		for _, r := range set.Ranges {
			if r.Start == KindNone || r.End <= r.Start || int(r.End) > MaxKindValue {
				errs = append(errs, fmt.Errorf("kind set %q: range [%d, %d) must lie within [1, %d)", set.Name, r.Start, r.End, MaxKindValue))
				continue
			}
			for _, o := range ranges {
				if rangesOverlap(o.r, r) {
					errs = append(errs, fmt.Errorf("kind set %q: range [%d, %d) overlaps range [%d, %d) of %q", set.Name, r.Start, r.End, o.r.Start, o.r.End, o.set))
				}
			}
			ranges = append(ranges, owned{set: set.Name, r: r})
		}

		for _, def := range set.Kinds {
			switch {
			case def.Name == "":
				errs = append(errs, fmt.Errorf("kind set %q: kind %d has no name", set.Name, def.Value))
				continue
			case def.Value == KindNone:
				errs = append(errs, fmt.Errorf("kind set %q: kind %s uses the reserved value 0", set.Name, def.Name))
				continue
			case int(def.Value) >= MaxKindValue:
				errs = append(errs, fmt.Errorf("kind set %q: kind %s value %d exceeds maximum %d", set.Name, def.Name, def.Value, MaxKindValue-1))
				continue
			}
			if !slices.ContainsFunc(set.Ranges, func(r KindRange) bool { return r.contains(def.Value) }) {
				errs = append(errs, fmt.Errorf("kind set %q: kind %s value %d is outside the declared ranges", set.Name, def.Name, def.Value))
			}
			if prev, ok := reg.byName[def.Name]; ok {
				errs = append(errs, fmt.Errorf("kind set %q: duplicate kind name %s (values %d and %d)", set.Name, def.Name, prev, def.Value))
				continue
			}
			if prev, ok := defined[def.Value]; ok {
				errs = append(errs, fmt.Errorf("kind set %q: kind %s value %d already used by %s", set.Name, def.Name, def.Value, prev))
				continue
			}
			reg.byName[def.Name] = def.Value
			defined[def.Value] = def.Name
			reg.names[def.Value] = def.Name
			reg.valid.Set(def.Value)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, errors.Join(errs...))
	}
	return reg, nil
}

// rangesOverlap reports whether two half-open ranges share any value.
func rangesOverlap(a, b KindRange) bool {
	lo := min(a.Start, b.Start)
	hi := max(a.End, b.End)
	return int(hi)-int(lo) < a.width()+b.width()
}

// KindRegistry maps kind values to their names. It is immutable once built
// and safe for concurrent use.
type KindRegistry struct {
	names  [MaxKindValue]string
	byName map[string]Kind
	valid  KindMask
}

// Name returns the registered name of k. Unregistered kinds are rendered as
// "Invalid#<n>" and [KindNone] as "None".
func (r *KindRegistry) Name(k Kind) string {
	if k == KindNone {
		return "None"
	}
	if int(k) < MaxKindValue && r.names[k] != "" {
		return r.names[k]
	}
	return fmt.Sprintf("Invalid#%d", k)
}

// Lookup returns the kind registered under name.
func (r *KindRegistry) Lookup(name string) (Kind, bool) {
	k, ok := r.byName[name]
	return k, ok
}

// IsValid reports whether k is a registered kind. [KindNone] is valid.
func (r *KindRegistry) IsValid(k Kind) bool {
	return k == KindNone || r.valid.IsSet(k)
}

// Kinds yields every registered kind in ascending order.
func (r *KindRegistry) Kinds() iter.Seq[Kind] {
	return r.valid.All()
}

// Mask returns the set of all registered kinds.
func (r *KindRegistry) Mask() KindMask {
	return r.valid
}

// String lists the registered kinds, mostly for debugging.
func (r *KindRegistry) String() string {
	var sb strings.Builder
	sb.WriteString("KindRegistry{")
	first := true
	for k := range r.Kinds() {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s=%d", r.names[k], k)
	}
	sb.WriteString("}")
	return sb.String()
}

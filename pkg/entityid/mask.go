package entityid

import (
	"iter"
	"math/bits"
	"strconv"
	"strings"
)

const maskWords = MaxKindValue / 64

// KindMask is a set of kinds stored as a fixed-size bit vector. The zero
// value is the empty set. Masks are comparable with ==.
type KindMask struct {
	words [maskWords]uint64
}

// MaskOf returns a mask containing exactly the given kinds.
func MaskOf(kinds ...Kind) KindMask {
	var m KindMask
	for _, k := range kinds {
		m.Set(k)
	}
	return m
}

// AllKinds returns a mask containing every kind value including [KindNone].
func AllKinds() KindMask {
	var m KindMask
	for i := range m.words {
		m.words[i] = ^uint64(0)
	}
	return m
}

// Set adds k to the mask. Out-of-range kinds are ignored.
func (m *KindMask) Set(k Kind) {
	if int(k) >= MaxKindValue {
		return
	}
	m.words[k/64] |= 1 << (k % 64)
}

// Clear removes k from the mask.
func (m *KindMask) Clear(k Kind) {
	if int(k) >= MaxKindValue {
		return
	}
	m.words[k/64] &^= 1 << (k % 64)
}

// IsSet reports whether k is in the mask.
func (m KindMask) IsSet(k Kind) bool {
	if int(k) >= MaxKindValue {
		return false
	}
	return m.words[k/64]&(1<<(k%64)) != 0
}

// Union returns m ∪ o.
func (m KindMask) Union(o KindMask) KindMask {
	for i := range m.words {
		m.words[i] |= o.words[i]
	}
	return m
}

// Intersect returns m ∩ o.
func (m KindMask) Intersect(o KindMask) KindMask {
	for i := range m.words {
		m.words[i] &= o.words[i]
	}
	return m
}

// Except returns the kinds of m that are not in o.
func (m KindMask) Except(o KindMask) KindMask {
	for i := range m.words {
		m.words[i] &^= o.words[i]
	}
	return m
}

// Complement returns every kind not in m.
func (m KindMask) Complement() KindMask {
	for i := range m.words {
		m.words[i] = ^m.words[i]
	}
	return m
}

// IsEmpty reports whether the mask contains no kinds.
func (m KindMask) IsEmpty() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Len returns the number of kinds in the mask.
func (m KindMask) Len() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Equal reports whether both masks hold the same kinds.
func (m KindMask) Equal(o KindMask) bool {
	return m.words == o.words
}

// All yields the kinds in the mask in ascending order.
func (m KindMask) All() iter.Seq[Kind] {
	return func(yield func(Kind) bool) {
		for i, w := range m.words {
			for w != 0 {
				bit := bits.TrailingZeros64(w)
				if !yield(Kind(i*64 + bit)) {
					return
				}
				w &= w - 1
			}
		}
	}
}

// String renders the mask as a list of kind values.
func (m KindMask) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	first := true
	for k := range m.All() {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		sb.WriteString(strconv.Itoa(int(k)))
	}
	sb.WriteByte(']')
	return sb.String()
}

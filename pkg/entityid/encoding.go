package entityid

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// legacyKindBits is the width of the kind field in the packed encoding.
const legacyKindBits = 64 - NumValueBits

// FromLegacy splits a packed 64-bit identifier (kind in the top 6 bits, value
// in the low 58 bits) into an ID. Packed values below 2^58 carry kind None.
func FromLegacy(raw uint64) ID {
	return ID{kind: Kind(raw >> NumValueBits), value: raw & ValueMask}
}

// ToLegacy packs id into a single 64-bit word. Only kinds below 64 fit.
func ToLegacy(id ID) (uint64, error) {
	if id.kind >= 1<<legacyKindBits {
		return 0, fmt.Errorf("%w: kind %d does not fit the legacy encoding", ErrInvalidID, id.kind)
	}
	return uint64(id.kind)<<NumValueBits | id.value, nil
}

// checkDecoded validates decoded parts. It keeps invalid nones so that they
// survive a round trip for diagnostics.
func checkDecoded(kind, value uint64) (ID, error) {
	if kind >= MaxKindValue {
		return None, fmt.Errorf("%w: decoded kind %d exceeds maximum %d", ErrInvalidID, kind, MaxKindValue-1)
	}
	if value >= MaxValue {
		return None, fmt.Errorf("%w: decoded value %d exceeds maximum %d", ErrInvalidID, value, ValueMask)
	}
	return ID{kind: Kind(kind), value: value}, nil
}

// MarshalJSON encodes id as the pair [kind, value].
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{uint64(id.kind), id.value})
}

// UnmarshalJSON accepts the [kind, value] pair as well as a single packed
// legacy number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '[' {
		var raw uint64
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("entityid: decode legacy json: %w", err)
		}
		*id = FromLegacy(raw)
		return nil
	}
	var pair [2]uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("entityid: decode json: %w", err)
	}
	v, err := checkDecoded(pair[0], pair[1])
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MarshalCBOR encodes id as the array [kind, value].
func (id ID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal([2]uint64{uint64(id.kind), id.value})
}

// UnmarshalCBOR accepts the [kind, value] array as well as a single packed
// legacy unsigned integer.
func (id *ID) UnmarshalCBOR(data []byte) error {
	// Major type 0 is an unsigned integer: the packed legacy form.
	if len(data) > 0 && data[0]>>5 == 0 {
		var raw uint64
		if err := cbor.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("entityid: decode legacy cbor: %w", err)
		}
		*id = FromLegacy(raw)
		return nil
	}
	var pair [2]uint64
	if err := cbor.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("entityid: decode cbor: %w", err)
	}
	v, err := checkDecoded(pair[0], pair[1])
	if err != nil {
		return err
	}
	*id = v
	return nil
}

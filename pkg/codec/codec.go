// Package codec serializes entity messages and persisted payloads.
//
// [CBOR] is the production codec. It supports a tag-based type
// discriminator so that fields declared as any decode back into their
// registered concrete types. [JSON] is a diagnostic codec without
// discriminator support.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed is returned by [Codec.Validate] for data that is not a
// well-formed encoding.
var ErrMalformed = errors.New("codec: malformed data")

// Codec converts values to and from bytes.
type Codec interface {
	// Name identifies the codec in configuration and logs.
	Name() string

	// Marshal encodes v.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into the value pointed to by v.
	Unmarshal(data []byte, v any) error

	// Validate walks the encoded data without decoding it into Go values and
	// reports whether it is well-formed.
	Validate(data []byte) error
}

// TypeTag binds a concrete type to a CBOR tag number for polymorphic fields.
type TypeTag struct {
	Tag  uint64
	Type reflect.Type
}

// TagOf is a convenience constructor for [TypeTag].
func TagOf[T any](tag uint64) TypeTag {
	return TypeTag{Tag: tag, Type: reflect.TypeFor[T]()}
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a CBOR codec. Types registered through tags are written with
// their tag number and restored to the same concrete type when decoded into
// an interface-typed field.
func CBOR(tags ...TypeTag) (Codec, error) {
	ts := cbor.NewTagSet()
	for _, t := range tags {
		if err := ts.Add(
			cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
			t.Type,
			t.Tag,
		); err != nil {
			return nil, fmt.Errorf("codec: register tag %d for %v: %w", t.Tag, t.Type, err)
		}
	}
	enc, err := cbor.CoreDetEncOptions().EncModeWithTags(ts)
	if err != nil {
		return nil, fmt.Errorf("codec: cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecModeWithTags(ts)
	if err != nil {
		return nil, fmt.Errorf("codec: cbor decoder: %w", err)
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (c *cborCodec) Name() string { return "cbor" }

func (c *cborCodec) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: cbor marshal %T: %w", v, err)
	}
	return data, nil
}

func (c *cborCodec) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: cbor unmarshal %T: %w", v, err)
	}
	return nil
}

func (c *cborCodec) Validate(data []byte) error {
	if err := c.dec.Wellformed(data); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

type jsonCodec struct{}

// JSON returns a codec backed by encoding/json.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: json unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Validate(data []byte) error {
	if !json.Valid(data) {
		return ErrMalformed
	}
	return nil
}

// ByName returns the codec registered under name ("cbor" or "json").
func ByName(name string, tags ...TypeTag) (Codec, error) {
	switch name {
	case "", "cbor":
		return CBOR(tags...)
	case "json":
		return JSON(), nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the algorithm applied to persisted payloads.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionDeflate Compression = "deflate"
	CompressionZstd    Compression = "zstd"
)

// IsValid reports whether c is a recognised compression algorithm.
func (c Compression) IsValid() bool {
	switch c {
	case CompressionNone, CompressionDeflate, CompressionZstd:
		return true
	}
	return false
}

// Header bytes prefixed to every compressed blob.
const (
	tagNone    byte = 0
	tagDeflate byte = 1
	tagZstd    byte = 2
)

// ErrUnknownCompression is returned for blobs whose header byte names no
// known algorithm.
var ErrUnknownCompression = errors.New("codec: unknown compression header")

// zstd encoders and decoders are safe for concurrent use via EncodeAll and
// DecodeAll and expensive to create, so one of each is shared.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Compress encodes data with algorithm c and prefixes the result with a
// one-byte algorithm header.
func Compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		out := make([]byte, 0, len(data)+1)
		out = append(out, tagNone)
		return append(out, data...), nil
	case CompressionDeflate:
		var buf bytes.Buffer
		buf.WriteByte(tagDeflate)
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("codec: deflate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("codec: deflate: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: deflate close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, []byte{tagZstd}), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression %q", c)
	}
}

// Decompress reverses [Compress], dispatching on the header byte.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrUnknownCompression)
	}
	body := blob[1:]
	switch blob[0] {
	case tagNone:
		return body, nil
	case tagDeflate:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: inflate: %w", err)
		}
		return out, nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownCompression, blob[0])
	}
}

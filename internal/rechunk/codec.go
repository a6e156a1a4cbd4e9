package rechunk

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
)

// Compression algorithm names accepted by Codec.
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZlib = "zlib"
)

// Codec describes the physical encoding of a chunk: optional byte shuffle
// followed by optional compression. The zero value is the identity codec.
type Codec struct {
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`
	Level       int    `json:"level,omitempty" yaml:"level,omitempty"`
	Shuffle     bool   `json:"shuffle,omitempty" yaml:"shuffle,omitempty"`
}

// Encode applies shuffle then compression to a raw chunk.
func (c Codec) Encode(data []byte, elemSize int) ([]byte, error) {
	if c.Shuffle && elemSize > 1 {
		data = shuffle(data, elemSize)
	}

	switch c.Compression {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, c.level())
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionZlib:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, c.level())
		if err != nil {
			return nil, fmt.Errorf("zlib writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression: %q", c.Compression)
	}
}

// Decode reverses Encode: decompression then unshuffle.
func (c Codec) Decode(data []byte, elemSize int) ([]byte, error) {
	switch c.Compression {
	case CompressionNone:
		// Nothing to do before unshuffle.

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}

	case CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported compression: %q", c.Compression)
	}

	if c.Shuffle && elemSize > 1 {
		data = unshuffle(data, elemSize)
	}
	return data, nil
}

func (c Codec) level() int {
	if c.Level == 0 {
		return 6
	}
	return c.Level
}

// shuffle rearranges bytes so that the i-th byte of every element is
// grouped together, which improves compression of numeric data.
func shuffle(data []byte, elemSize int) []byte {
	n := len(data) / elemSize
	out := make([]byte, len(data))
	for b := 0; b < elemSize; b++ {
		for i := 0; i < n; i++ {
			out[b*n+i] = data[i*elemSize+b]
		}
	}
	// Trailing bytes not covered by a whole element pass through.
	copy(out[n*elemSize:], data[n*elemSize:])
	return out
}

func unshuffle(data []byte, elemSize int) []byte {
	n := len(data) / elemSize
	out := make([]byte, len(data))
	for b := 0; b < elemSize; b++ {
		for i := 0; i < n; i++ {
			out[i*elemSize+b] = data[b*n+i]
		}
	}
	copy(out[n*elemSize:], data[n*elemSize:])
	return out
}

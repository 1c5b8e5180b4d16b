package filebuffer

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression names stored in the header.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// compressor compresses record payloads one at a time.
type compressor interface {
	compress(src []byte) ([]byte, error)
	decompress(src []byte) ([]byte, error)
	close()
}

func newCompressor(name string) (compressor, error) {
	switch name {
	case "", CompressionNone:
		return noCompression{}, nil
	case CompressionGzip:
		return &gzipCompressor{}, nil
	case CompressionZstd:
		return newZstdCompressor()
	default:
		return nil, fmt.Errorf("filebuffer: unknown compression %q", name)
	}
}

type noCompression struct{}

func (noCompression) compress(src []byte) ([]byte, error)   { return src, nil }
func (noCompression) decompress(src []byte) ([]byte, error) { return src, nil }
func (noCompression) close()                                 {}

type gzipCompressor struct {
	writers sync.Pool
}

func (c *gzipCompressor) compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.writers.Get().(*gzip.Writer)
	if w == nil {
		w = gzip.NewWriter(&buf)
	} else {
		w.Reset(&buf)
	}
	defer c.writers.Put(w)

	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCompressor) close() {}

func (c *gzipCompressor) decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxRecordSize+1))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	if len(out) > MaxRecordSize {
		return nil, fmt.Errorf("gunzip: record exceeds %d bytes", MaxRecordSize)
	}
	return out, nil
}

// zstdCompressor uses stateless EncodeAll/DecodeAll, which are safe for
// concurrent use.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCompressor) decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) close() {
	c.enc.Close()
	c.dec.Close()
}

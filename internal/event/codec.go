package event

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec converts records to and from their stored byte form.
type Codec interface {
	Name() string
	Encode(r *Record) ([]byte, error)
	Decode(data []byte) (*Record, error)
}

// JSONCodec stores records as compact JSON objects.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return CodecJSON }

// Encode implements Codec.
func (JSONCodec) Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("event: encode nil record")
	}
	return json.Marshal(r)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("event: decode json: %w", err)
	}
	return r, nil
}

var (
	cborOnce sync.Once
	cborEnc  cbor.EncMode
	cborDec  cbor.DecMode
	cborErr  error
)

func cborModes() (cbor.EncMode, cbor.DecMode, error) {
	cborOnce.Do(func() {
		cborEnc, cborErr = cbor.EncOptions{
			Time: cbor.TimeRFC3339Nano,
			Sort: cbor.SortCanonical,
		}.EncMode()
		if cborErr != nil {
			return
		}
		cborDec, cborErr = cbor.DecOptions{}.DecMode()
	})
	return cborEnc, cborDec, cborErr
}

// CBORCodec stores records as CBOR maps keyed by small integers.
type CBORCodec struct{}

// Name implements Codec.
func (CBORCodec) Name() string { return CodecCBOR }

// Encode implements Codec.
func (CBORCodec) Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("event: encode nil record")
	}
	enc, _, err := cborModes()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(r)
}

// Decode implements Codec.
func (CBORCodec) Decode(data []byte) (*Record, error) {
	_, dec, err := cborModes()
	if err != nil {
		return nil, err
	}
	r := &Record{}
	if err := dec.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("event: decode cbor: %w", err)
	}
	return r, nil
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("event: unknown codec %q", name)
	}
}

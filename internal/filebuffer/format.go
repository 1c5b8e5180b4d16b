package filebuffer

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"maps"
	"math"
	"slices"
)

// Version and magic constants
const (
	Magic   = "TVEB"
	Version = 1

	// fixedHeaderSize covers magic, version and metadata length.
	fixedHeaderSize = 12

	// frameOverhead is the length prefix plus the trailing CRC.
	frameOverhead = 8

	// IndexEntrySize is the on-disk width of one IndexEntry.
	IndexEntrySize = 12

	// MaxRecordSize bounds a single encoded record.
	MaxRecordSize = 64 << 20
)

// Metadata keys written by every FileBuffer.
const (
	MetaContentType = "content-type"
	MetaCodec       = "codec"
	MetaCompression = "compression"
)

// DefaultContentType is stored when Options.Metadata does not set one.
const DefaultContentType = "application/x-tailview-records"

// Header is the data file header.
type Header struct {
	Version  uint32
	Metadata map[string]string
}

// Get returns the metadata value for key.
func (h Header) Get(key string) string { return h.Metadata[key] }

// size returns the encoded header length.
func (h Header) size() int64 {
	n := int64(fixedHeaderSize + 2)
	for k, v := range h.Metadata {
		n += 2 + int64(len(k)) + 4 + int64(len(v))
	}
	return n
}

// encodeHeader serializes h. Keys are written in sorted order so equal
// headers encode to equal bytes.
func encodeHeader(h Header) ([]byte, error) {
	if len(h.Metadata) > math.MaxUint16 {
		return nil, fmt.Errorf("too many metadata entries: %d", len(h.Metadata))
	}

	buf := make([]byte, 0, h.size())
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.size()-fixedHeaderSize))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Metadata)))

	for _, k := range slices.Sorted(maps.Keys(h.Metadata)) {
		v := h.Metadata[k]
		if len(k) > math.MaxUint16 {
			return nil, fmt.Errorf("metadata key too long: %d bytes", len(k))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf, nil
}

// readHeader reads and validates the header at the start of r. It returns
// the header and its encoded length.
func readHeader(r io.ReaderAt, path string, fileSize int64) (Header, int64, error) {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := r.ReadAt(fixed, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, 0, &FormatError{Path: path, Reason: "truncated header"}
		}
		return Header{}, 0, err
	}

	if string(fixed[0:4]) != Magic {
		return Header{}, 0, &FormatError{Path: path, Reason: "invalid magic"}
	}
	h := Header{Version: binary.BigEndian.Uint32(fixed[4:8])}
	if h.Version != Version {
		return Header{}, 0, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported version %d", h.Version)}
	}

	metaLen := int64(binary.BigEndian.Uint32(fixed[8:12]))
	if metaLen < 2 || fixedHeaderSize+metaLen > fileSize {
		return Header{}, 0, &FormatError{Path: path, Reason: "metadata overruns file"}
	}

	meta := make([]byte, metaLen)
	if _, err := r.ReadAt(meta, fixedHeaderSize); err != nil {
		return Header{}, 0, err
	}

	count := int(binary.BigEndian.Uint16(meta[0:2]))
	h.Metadata = make(map[string]string, count)
	pos := 2
	for i := 0; i < count; i++ {
		if pos+2 > len(meta) {
			return Header{}, 0, &FormatError{Path: path, Reason: "truncated metadata key"}
		}
		kl := int(binary.BigEndian.Uint16(meta[pos:]))
		pos += 2
		if pos+kl+4 > len(meta) {
			return Header{}, 0, &FormatError{Path: path, Reason: "truncated metadata key"}
		}
		k := string(meta[pos : pos+kl])
		pos += kl
		vl := int(binary.BigEndian.Uint32(meta[pos:]))
		pos += 4
		if vl > len(meta)-pos {
			return Header{}, 0, &FormatError{Path: path, Reason: "truncated metadata value"}
		}
		h.Metadata[k] = string(meta[pos : pos+vl])
		pos += vl
	}
	if pos != len(meta) {
		return Header{}, 0, &FormatError{Path: path, Reason: "trailing metadata bytes"}
	}

	return h, fixedHeaderSize + metaLen, nil
}

// IndexEntry locates one frame in the data file.
type IndexEntry struct {
	Offset uint64
	Length uint32
}

// End returns the offset just past the frame.
func (e IndexEntry) End() uint64 { return e.Offset + uint64(e.Length) }

func (e IndexEntry) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, e.Offset)
	return binary.BigEndian.AppendUint32(buf, e.Length)
}

func decodeIndexEntry(b []byte) IndexEntry {
	return IndexEntry{
		Offset: binary.BigEndian.Uint64(b[0:8]),
		Length: binary.BigEndian.Uint32(b[8:12]),
	}
}

// encodeFrame wraps payload as length | payload | crc32.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+frameOverhead)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))
}

// decodeFrame validates a complete frame and returns its payload.
func decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameOverhead {
		return nil, fmt.Errorf("frame of %d bytes is too short", len(frame))
	}
	n := binary.BigEndian.Uint32(frame[0:4])
	if int64(n) != int64(len(frame)-frameOverhead) {
		return nil, fmt.Errorf("frame length %d does not match index length %d", n, len(frame)-frameOverhead)
	}
	payload := frame[4 : 4+n]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(frame[4+n:]) {
		return nil, ErrChecksum
	}
	return payload, nil
}

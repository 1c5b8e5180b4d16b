package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		Sequence:  42,
		Timestamp: time.Date(2025, 3, 14, 15, 9, 26, 535897932, time.UTC),
		Source:    SourceIdentifier{Primary: "10.0.0.7", Secondary: "4560"},
		Level:     LevelWarn,
		Logger:    "net.receiver",
		Thread:    "main",
		Message:   "connection reset",
		Fields:    map[string]string{"peer": "10.0.0.9"},
		Payload:   []byte{0x01, 0x02},
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"Info", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"fatal", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestSourceIdentifierString(t *testing.T) {
	assert.Equal(t, "app", SourceIdentifier{Primary: "app"}.String())
	assert.Equal(t, "host-4560", SourceIdentifier{Primary: "host", Secondary: "4560"}.String())
	assert.True(t, SourceIdentifier{}.IsZero())
}

func TestCodecs(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			in := sampleRecord()
			data, err := codec.Encode(in)
			require.NoError(t, err)

			out, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, in.Sequence, out.Sequence)
			assert.True(t, in.Timestamp.Equal(out.Timestamp))
			assert.Equal(t, in.Source, out.Source)
			assert.Equal(t, in.Level, out.Level)
			assert.Equal(t, in.Message, out.Message)
			assert.Equal(t, in.Fields, out.Fields)
			assert.Equal(t, in.Payload, out.Payload)
		})
	}
}

func TestCodecDecodeGarbage(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte("{not json"))
	assert.Error(t, err)
	_, err = CBORCodec{}.Decode([]byte{0xff, 0xff})
	assert.Error(t, err)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())

	c, err = CodecByName(CodecCBOR)
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, c.Name())

	_, err = CodecByName("avro")
	assert.Error(t, err)
}

func TestSequencerConcurrent(t *testing.T) {
	s := NewSequencer(10)
	seen := make(chan uint64, 100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Stamp(&Record{})
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for seq := range seen {
		assert.False(t, unique[seq], "duplicate sequence %d", seq)
		unique[seq] = true
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, uint64(110), s.Next())
}

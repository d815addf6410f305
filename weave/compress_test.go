package weave

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"text", []byte("ldarg.0 ldc.i4.5 call ret")},
		{"repetitive", bytes.Repeat([]byte{0x00, 0x2A, 0x28}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			compressed := ZstdCompress(nil, tt.input)
			out, err := ZstdDecompress(nil, compressed)
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), len(out))
			assert.True(t, bytes.Equal(tt.input, out))
		})
	}
}

func TestZstdDecompressInvalid(t *testing.T) {
	t.Parallel()

	_, err := ZstdDecompress(nil, []byte{0x42, 0x43, 0x44})
	require.Error(t, err)
}

func TestSnappyRoundTrip(t *testing.T) {
	t.Parallel()

	for _, input := range [][]byte{{}, []byte("body snapshot"), bytes.Repeat([]byte("nop "), 512)} {
		compressed := SnappyCompress(nil, input)
		out, err := SnappyDecompress(nil, compressed)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(input, out))
	}
}

func TestSnappyDecompressInvalid(t *testing.T) {
	t.Parallel()

	_, err := SnappyDecompress(nil, []byte{0x99, 0x88, 0x77})
	require.Error(t, err)
}

package weave

import (
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// zstd coders are safe for concurrent EncodeAll / DecodeAll calls and costly to build, so one of each is shared.
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			panic(err) // only fails on invalid options
		}
		return encoder
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
)

// ZstdCompress appends the zstd compressed form of data to dst.
func ZstdCompress(dst, data []byte) []byte {
	return zstdEncoder().EncodeAll(data, dst)
}

// ZstdDecompress appends the decompressed form of zstd data to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return decoder.DecodeAll(data, dst)
}

// SnappyCompress compresses journal values, they are small and written often so speed is favored over ratio.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBetter(dst, data)
}

// SnappyDecompress decompresses a snappy block.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}

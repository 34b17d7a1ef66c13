package spill

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type CodecType int

const (
	CODEC_NONE CodecType = iota
	CODEC_LZ4
	CODEC_ZSTD
)

func (c CodecType) String() string {
	switch c {
	case CODEC_NONE:
		return "none"
	case CODEC_LZ4:
		return "lz4"
	case CODEC_ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

func ParseCodec(s string) (CodecType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CODEC_NONE, nil
	case "lz4":
		return CODEC_LZ4, nil
	case "zstd":
		return CODEC_ZSTD, nil
	default:
		return CODEC_NONE, fmt.Errorf("unknown spill codec %q", s)
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func Compress(codec CodecType, data []byte) ([]byte, error) {
	switch codec {
	case CODEC_NONE:
		return data, nil
	case CODEC_LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CODEC_ZSTD:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unknown spill codec %d", int(codec))
	}
}

func Decompress(codec CodecType, data []byte) ([]byte, error) {
	switch codec {
	case CODEC_NONE:
		return data, nil
	case CODEC_LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CODEC_ZSTD:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown spill codec %d", int(codec))
	}
}

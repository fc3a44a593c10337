package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Content encodings stored alongside each artifact version.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
	EncodingLZ4      = "lz4"
)

var errIncompressible = errors.New("content is incompressible")

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifact: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifact: zstd decoder initialization failed: " + err.Error())
	}
}

// Hash returns the content address of raw artifact content.
func Hash(content []byte) string {
	sum := blake3.Sum256(content)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// encode compresses content with codec when it is at least threshold bytes
// and compression actually shrinks it. Otherwise content is stored as is.
func encode(codec string, threshold int, content []byte) (string, []byte, error) {
	if codec == "" || len(content) == 0 || len(content) < threshold {
		return EncodingIdentity, content, nil
	}
	var (
		out []byte
		err error
	)
	switch codec {
	case EncodingZstd:
		out, err = compressZstd(content)
	case EncodingLZ4:
		out, err = compressLZ4(content)
	default:
		return "", nil, fmt.Errorf("unsupported artifact codec %q", codec)
	}
	if errors.Is(err, errIncompressible) {
		return EncodingIdentity, content, nil
	}
	if err != nil {
		return "", nil, err
	}
	return codec, out, nil
}

// decode reverses encode. size is the original content length.
func decode(encoding string, data []byte, size int) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return data, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case EncodingLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	}
	return nil, fmt.Errorf("unknown artifact encoding %q", encoding)
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// 0 means lz4 judged the block incompressible
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

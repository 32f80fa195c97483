// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies the wire compression applied to a piece
// payload. The piece hash always covers the uncompressed bytes, so
// compression is invisible to verification. These values travel on
// the wire — changing them breaks protocol compatibility.
type Encoding uint8

const (
	// EncodingNone is uncompressed data, used for content that is
	// already compressed (media, archives) where recompression only
	// burns CPU.
	EncodingNone Encoding = 0

	// EncodingLZ4 is LZ4 block compression: the fast default for
	// mixed binary content.
	EncodingLZ4 Encoding = 1

	// EncodingZstd is zstd at the default level: better ratios for
	// text-like content.
	EncodingZstd Encoding = 2
)

// String returns the encoding's wire name.
func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingLZ4:
		return "lz4"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseEncoding parses an encoding's wire name.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "none":
		return EncodingNone, nil
	case "lz4":
		return EncodingLZ4, nil
	case "zstd":
		return EncodingZstd, nil
	default:
		return 0, fmt.Errorf("unknown encoding: %q", name)
	}
}

// errIncompressible signals that compression did not shrink the
// payload; the caller sends it uncompressed instead.
var errIncompressible = errors.New("incompressible payload")

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("transfer: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("transfer: zstd decoder initialization failed: " + err.Error())
	}
}

// ChooseEncoding picks a wire encoding for a piece of the given mime
// type. Text-like content gets zstd; known-compressed content is sent
// as-is; everything else gets LZ4.
func ChooseEncoding(mimeType string) Encoding {
	switch {
	case strings.HasPrefix(mimeType, "text/"),
		strings.HasSuffix(mimeType, "+json"),
		strings.HasSuffix(mimeType, "+xml"),
		mimeType == "application/json",
		mimeType == "application/xml":
		return EncodingZstd
	case strings.HasPrefix(mimeType, "image/"),
		strings.HasPrefix(mimeType, "video/"),
		strings.HasPrefix(mimeType, "audio/"),
		mimeType == "application/zip",
		mimeType == "application/gzip",
		mimeType == "application/zstd":
		return EncodingNone
	default:
		return EncodingLZ4
	}
}

// EncodePiece compresses data with the requested encoding. When the
// result would not be smaller (or the encoding is none), the original
// bytes are returned with EncodingNone — the receiver never sees a
// payload that grew on the wire.
func EncodePiece(data []byte, encoding Encoding) ([]byte, Encoding, error) {
	switch encoding {
	case EncodingNone:
		return data, EncodingNone, nil

	case EncodingLZ4:
		compressed, err := compressLZ4(data)
		if errors.Is(err, errIncompressible) {
			return data, EncodingNone, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return compressed, EncodingLZ4, nil

	case EncodingZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, EncodingNone, nil
		}
		return compressed, EncodingZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported encoding: %d", encoding)
	}
}

// DecodePiece reverses EncodePiece. rawLength must be the exact
// uncompressed size; a mismatch is an error, never a silent
// truncation.
func DecodePiece(data []byte, encoding Encoding, rawLength int) ([]byte, error) {
	switch encoding {
	case EncodingNone:
		if len(data) != rawLength {
			return nil, fmt.Errorf("uncompressed payload: %d bytes, expected %d", len(data), rawLength)
		}
		return data, nil

	case EncodingLZ4:
		destination := make([]byte, rawLength)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != rawLength {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawLength)
		}
		return destination, nil

	case EncodingZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawLength))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != rawLength {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawLength)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported encoding: %d", encoding)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

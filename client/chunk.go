// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/fetcher/lib/wire"
)

// maxChunkSize bounds the decoded size of one chunk.
const maxChunkSize = wire.DefaultMaxBodySize

var errIncompressible = errors.New("data is not compressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("client: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxChunkSize))
	if err != nil {
		panic("client: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeChunk builds a chunk carrying data. encoding names the
// compression to try; when it does not shrink data the chunk is sent
// uncompressed instead.
func EncodeChunk(fetchNo int64, data []byte, encoding string, final bool) (wire.Chunk, error) {
	chunk := wire.Chunk{FetchNo: fetchNo, IsFinal: final}
	payload := data

	var compressed []byte
	var err error
	switch encoding {
	case wire.EncodingNone:
	case wire.EncodingLZ4:
		compressed, err = compressLZ4(data)
	case wire.EncodingZstd:
		compressed, err = compressZstd(data)
	default:
		return wire.Chunk{}, fmt.Errorf("unknown chunk encoding %q", encoding)
	}
	switch {
	case errors.Is(err, errIncompressible):
	case err != nil:
		return wire.Chunk{}, err
	case compressed != nil:
		payload = compressed
		chunk.Encoding = encoding
		chunk.RawSize = len(data)
	}

	chunk.Binary = base64.StdEncoding.EncodeToString(payload)
	return chunk, nil
}

// DecodeChunk returns the file bytes a chunk carries.
func DecodeChunk(chunk wire.Chunk) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(chunk.Binary)
	if err != nil {
		return nil, fmt.Errorf("chunk of fetch %d: decoding base64: %w", chunk.FetchNo, err)
	}
	if chunk.RawSize < 0 || chunk.RawSize > maxChunkSize {
		return nil, fmt.Errorf("chunk of fetch %d: raw size %d out of range", chunk.FetchNo, chunk.RawSize)
	}

	switch chunk.Encoding {
	case wire.EncodingNone:
		return payload, nil
	case wire.EncodingLZ4:
		return decompressLZ4(payload, chunk.RawSize)
	case wire.EncodingZstd:
		return decompressZstd(payload, chunk.RawSize)
	default:
		return nil, fmt.Errorf("chunk of fetch %d: unknown encoding %q", chunk.FetchNo, chunk.Encoding)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, rawSize int) ([]byte, error) {
	if rawSize == 0 {
		return nil, errors.New("lz4 chunk without raw_size")
	}
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, rawSize int) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if rawSize > 0 && len(data) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(data), rawSize)
	}
	return data, nil
}

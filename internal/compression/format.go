package compression

import (
	"encoding/base64"
	"fmt"
)

// FormatBinaryGzip is the only compressed chunk payload format the server emits
const FormatBinaryGzip = "binary_gzip"

// CompressedTiles represents a compressed tile buffer ready for transmission
type CompressedTiles struct {
	Format           string `json:"format"`            // "binary_gzip"
	Data             string `json:"data"`              // Base64-encoded compressed data
	Size             int    `json:"size"`              // Compressed size in bytes
	UncompressedSize int    `json:"uncompressed_size"` // Uncompressed size in bytes
}

// FormatCompressedTiles formats compressed tile data for JSON transmission
func FormatCompressedTiles(compressedData []byte, uncompressedSize int) *CompressedTiles {
	return &CompressedTiles{
		Format:           FormatBinaryGzip,
		Data:             base64.StdEncoding.EncodeToString(compressedData),
		Size:             len(compressedData),
		UncompressedSize: uncompressedSize,
	}
}

// DecodePayload reverses FormatCompressedTiles for a (format, base64 data)
// pair and returns the tile buffer. expectedTiles bounds the output so a
// corrupt payload cannot inflate past one chunk.
func DecodePayload(format, data string, expectedTiles int) ([]int32, error) {
	if format != FormatBinaryGzip {
		return nil, fmt.Errorf("unsupported chunk payload format %q", format)
	}
	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return DecompressTiles(compressed, expectedTiles)
}

package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// TilesMagic prefixes every binary tile buffer
	TilesMagic = "TILE"
	// TilesVersion is the current binary layout version
	TilesVersion = 1
	// DefaultGzipLevel balances size and speed
	DefaultGzipLevel = 6
)

// TilesHeader is the binary header in front of the tile values
type TilesHeader struct {
	Magic   [4]byte
	Version uint8
	_       [3]byte
	Count   uint32
}

// CompressTiles encodes a tile buffer as header + little-endian int32 values
// and gzips the result
func CompressTiles(tiles []int32) ([]byte, error) {
	var raw bytes.Buffer
	header := TilesHeader{Version: TilesVersion, Count: uint32(len(tiles))}
	copy(header.Magic[:], TilesMagic)
	if err := binary.Write(&raw, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(&raw, binary.LittleEndian, tiles); err != nil {
		return nil, fmt.Errorf("failed to write tiles: %w", err)
	}

	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, DefaultGzipLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(raw.Bytes()); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write to gzip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressTiles reverses CompressTiles. The header count must equal
// expectedTiles.
func DecompressTiles(compressed []byte, expectedTiles int) ([]int32, error) {
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer reader.Close()

	headerSize := binary.Size(TilesHeader{})
	limit := int64(headerSize + 4*expectedTiles + 1)
	raw, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate tiles: %w", err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("tile buffer truncated: %d bytes", len(raw))
	}

	var header TilesHeader
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header.Magic[:]) != TilesMagic {
		return nil, fmt.Errorf("bad tile buffer magic %q", string(header.Magic[:]))
	}
	if header.Version != TilesVersion {
		return nil, fmt.Errorf("unsupported tile buffer version %d", header.Version)
	}
	if int(header.Count) != expectedTiles {
		return nil, fmt.Errorf("tile count %d does not match chunk size %d", header.Count, expectedTiles)
	}
	body := raw[headerSize:]
	if len(body) != 4*expectedTiles {
		return nil, fmt.Errorf("tile body has %d bytes, want %d", len(body), 4*expectedTiles)
	}

	tiles := make([]int32, expectedTiles)
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, tiles); err != nil {
		return nil, fmt.Errorf("failed to read tiles: %w", err)
	}
	return tiles, nil
}

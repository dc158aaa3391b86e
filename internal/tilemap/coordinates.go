package tilemap

import (
	"fmt"
	"math"
)

const (
	// ChunkSize is the width and height of a chunk in tiles
	ChunkSize = 16
	// TileSize is the width and height of a tile in world pixels
	TileSize = 32
	// ChunkTiles is the number of tiles in a chunk
	ChunkTiles = ChunkSize * ChunkSize
)

// ChunkCoord identifies a chunk by its integer grid position
type ChunkCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TilePos is a position in whole tiles
type TilePos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Vec2 is a position in world pixels
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Key returns the "x_y" identifier used in logs and health reports
func (c ChunkCoord) Key() string {
	return fmt.Sprintf("%d_%d", c.X, c.Y)
}

// DistanceSq returns the squared euclidean distance between two chunks
func (c ChunkCoord) DistanceSq(other ChunkCoord) int {
	dx := c.X - other.X
	dy := c.Y - other.Y
	return dx*dx + dy*dy
}

// Chebyshev returns the chessboard distance between two chunks, which is what
// a square load radius is measured in
func (c ChunkCoord) Chebyshev(other ChunkCoord) int {
	dx := c.X - other.X
	if dx < 0 {
		dx = -dx
	}
	dy := c.Y - other.Y
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

// TileToChunk converts a tile position to the chunk containing it.
// Negative tiles floor toward negative infinity.
func TileToChunk(tile TilePos) ChunkCoord {
	return ChunkCoord{X: floorDiv(tile.X, ChunkSize), Y: floorDiv(tile.Y, ChunkSize)}
}

// PixelToTile converts a world pixel position to a tile position
func PixelToTile(pos Vec2) TilePos {
	return TilePos{
		X: int(math.Floor(pos.X / TileSize)),
		Y: int(math.Floor(pos.Y / TileSize)),
	}
}

// ChunkOrigin returns the tile position of the chunk's lower-left corner
func ChunkOrigin(c ChunkCoord) TilePos {
	return TilePos{X: c.X * ChunkSize, Y: c.Y * ChunkSize}
}

// TileIndex returns the row-major index of a local tile inside a chunk buffer.
// ok is false when the local position falls outside the chunk.
func TileIndex(localX, localY int) (index int, ok bool) {
	if localX < 0 || localY < 0 || localX >= ChunkSize || localY >= ChunkSize {
		return 0, false
	}
	return localY*ChunkSize + localX, true
}

// ExpectedChunkCount returns how many chunks a square window of the given
// radius covers
func ExpectedChunkCount(radius int) int {
	if radius < 0 {
		return 0
	}
	side := 2*radius + 1
	return side * side
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

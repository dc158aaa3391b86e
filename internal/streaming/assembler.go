package streaming

import (
	"errors"
	"fmt"
	"time"

	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

// ErrInvalidFragment is returned for fragments that cannot belong to the
// chunk being assembled
var ErrInvalidFragment = errors.New("invalid chunk fragment")

// Chunk is a fully received chunk, handed to the world layer
type Chunk struct {
	Coord tilemap.ChunkCoord
	Biome string
	Tiles []int32 // row-major, tilemap.ChunkSize columns
}

// Tile returns the tile at a local position inside the chunk
func (c *Chunk) Tile(localX, localY int) (int32, bool) {
	idx, ok := tilemap.TileIndex(localX, localY)
	if !ok {
		return 0, false
	}
	return c.Tiles[idx], true
}

// Assembler rebuilds one chunk from fragments that may arrive in any order
// and more than once. It is not safe for concurrent use; the Manager guards it.
type Assembler struct {
	coord    tilemap.ChunkCoord
	tiles    []int32
	received []uint64
	total    int
	count    int
	biome    string
	lastSeen time.Time
}

// NewAssembler allocates a zeroed tile buffer for coord and a bitset sized to
// totalFragments
func NewAssembler(coord tilemap.ChunkCoord, totalFragments int) (*Assembler, error) {
	if totalFragments <= 0 || totalFragments > tilemap.ChunkTiles {
		return nil, fmt.Errorf("%w: total_fragments=%d", ErrInvalidFragment, totalFragments)
	}
	return &Assembler{
		coord:    coord,
		tiles:    make([]int32, tilemap.ChunkTiles),
		received: make([]uint64, (totalFragments+63)/64),
		total:    totalFragments,
	}, nil
}

// Apply copies a fragment's sub-block into the buffer. A fragment index that
// was already applied is ignored and reported with applied=false.
func (a *Assembler) Apply(frag protocol.ChunkFragment, now time.Time) (applied bool, err error) {
	if frag.Coord() != a.coord {
		return false, fmt.Errorf("%w: fragment for %v applied to %v", ErrInvalidFragment, frag.Coord(), a.coord)
	}
	if frag.TotalFragments != a.total {
		return false, fmt.Errorf("%w: total_fragments changed from %d to %d", ErrInvalidFragment, a.total, frag.TotalFragments)
	}
	if frag.FragmentIndex < 0 || frag.FragmentIndex >= a.total {
		return false, fmt.Errorf("%w: index %d outside [0,%d)", ErrInvalidFragment, frag.FragmentIndex, a.total)
	}
	a.lastSeen = now
	if a.has(frag.FragmentIndex) {
		return false, nil
	}
	if err := validateBlock(frag); err != nil {
		return false, err
	}

	for dy, row := range frag.Tiles {
		for dx, tile := range row {
			idx, _ := tilemap.TileIndex(frag.StartX+dx, frag.StartY+dy)
			a.tiles[idx] = tile
		}
	}
	if frag.Biome != "" {
		a.biome = frag.Biome
	}
	a.set(frag.FragmentIndex)
	a.count++
	return true, nil
}

// IsComplete reports whether every declared fragment has been applied
func (a *Assembler) IsComplete() bool {
	return a.count == a.total
}

// ReceivedCount returns the number of distinct fragments applied
func (a *Assembler) ReceivedCount() int {
	return a.count
}

// TotalFragments returns the declared fragment count
func (a *Assembler) TotalFragments() int {
	return a.total
}

// Missing returns the fragment indices not yet received
func (a *Assembler) Missing() []int {
	var missing []int
	for i := 0; i < a.total; i++ {
		if !a.has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Chunk returns the assembled chunk. The tile buffer is copied so the
// assembler can be discarded.
func (a *Assembler) Chunk() *Chunk {
	tiles := make([]int32, len(a.tiles))
	copy(tiles, a.tiles)
	return &Chunk{Coord: a.coord, Biome: a.biome, Tiles: tiles}
}

func (a *Assembler) has(index int) bool {
	return a.received[index/64]&(1<<uint(index%64)) != 0
}

func (a *Assembler) set(index int) {
	a.received[index/64] |= 1 << uint(index%64)
}

// validateBlock checks that every tile of the fragment lands inside the chunk
func validateBlock(frag protocol.ChunkFragment) error {
	if len(frag.Tiles) == 0 {
		return fmt.Errorf("%w: fragment %d has no tiles", ErrInvalidFragment, frag.FragmentIndex)
	}
	for dy, row := range frag.Tiles {
		if frag.Size > 0 && len(row) > frag.Size {
			return fmt.Errorf("%w: fragment %d row %d wider than fragment_size %d", ErrInvalidFragment, frag.FragmentIndex, dy, frag.Size)
		}
		for dx := range row {
			if _, ok := tilemap.TileIndex(frag.StartX+dx, frag.StartY+dy); !ok {
				return fmt.Errorf("%w: fragment %d tile (%d,%d) outside chunk", ErrInvalidFragment,
					frag.FragmentIndex, frag.StartX+dx, frag.StartY+dy)
			}
		}
	}
	return nil
}

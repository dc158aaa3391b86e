package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

// quadrantFragments splits a chunk into four 8x8 fragments. Tile values are
// unique per position so misplaced copies show up in comparisons.
func quadrantFragments(coord tilemap.ChunkCoord) []protocol.ChunkFragment {
	const size = tilemap.ChunkSize / 2
	frags := make([]protocol.ChunkFragment, 4)
	for i := range frags {
		startX, startY := (i%2)*size, (i/2)*size
		tiles := make([][]int32, size)
		for y := 0; y < size; y++ {
			tiles[y] = make([]int32, size)
			for x := 0; x < size; x++ {
				tiles[y][x] = int32(1000*(i+1) + (startY+y)*tilemap.ChunkSize + startX + x)
			}
		}
		frags[i] = protocol.ChunkFragment{
			ChunkX:         coord.X,
			ChunkY:         coord.Y,
			StartX:         startX,
			StartY:         startY,
			Size:           size,
			Tiles:          tiles,
			Biome:          "forest",
			FragmentIndex:  i,
			TotalFragments: len(frags),
		}
	}
	return frags
}

func TestAssemblerOutOfOrder(t *testing.T) {
	coord := tilemap.ChunkCoord{X: 2, Y: 3}
	frags := quadrantFragments(coord)
	now := time.Now()

	inOrder, err := NewAssembler(coord, 4)
	require.NoError(t, err)
	for _, i := range []int{0, 1, 2, 3} {
		_, err := inOrder.Apply(frags[i], now)
		require.NoError(t, err)
	}

	shuffled, err := NewAssembler(coord, 4)
	require.NoError(t, err)
	for _, i := range []int{2, 0, 3, 1} {
		_, err := shuffled.Apply(frags[i], now)
		require.NoError(t, err)
	}

	require.True(t, shuffled.IsComplete())
	assert.Equal(t, inOrder.Chunk().Tiles, shuffled.Chunk().Tiles)
	assert.Equal(t, "forest", shuffled.Chunk().Biome)

	tile, ok := shuffled.Chunk().Tile(15, 15)
	require.True(t, ok)
	assert.Equal(t, int32(4000+15*16+15), tile)
}

func TestAssemblerDuplicateFragment(t *testing.T) {
	coord := tilemap.ChunkCoord{X: 0, Y: 0}
	frags := quadrantFragments(coord)
	asm, err := NewAssembler(coord, 4)
	require.NoError(t, err)

	applied, err := asm.Apply(frags[1], time.Now())
	require.NoError(t, err)
	assert.True(t, applied)
	before := asm.Chunk().Tiles

	corrupt := frags[1]
	corrupt.Tiles = [][]int32{{-1, -1}}
	applied, err = asm.Apply(corrupt, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, 1, asm.ReceivedCount())
	assert.Equal(t, before, asm.Chunk().Tiles)
	assert.Equal(t, []int{0, 2, 3}, asm.Missing())
}

func TestAssemblerCompleteness(t *testing.T) {
	coord := tilemap.ChunkCoord{X: -1, Y: 4}
	frags := quadrantFragments(coord)
	asm, err := NewAssembler(coord, 4)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := asm.Apply(frags[i], time.Now())
		require.NoError(t, err)
		assert.False(t, asm.IsComplete())
	}
	_, err = asm.Apply(frags[3], time.Now())
	require.NoError(t, err)
	assert.True(t, asm.IsComplete())
	assert.Equal(t, asm.TotalFragments(), asm.ReceivedCount())
}

func TestAssemblerRejectsInvalidFragments(t *testing.T) {
	coord := tilemap.ChunkCoord{X: 1, Y: 1}
	base := quadrantFragments(coord)[0]

	tests := []struct {
		name   string
		mutate func(f *protocol.ChunkFragment)
	}{
		{"wrong chunk", func(f *protocol.ChunkFragment) { f.ChunkX = 9 }},
		{"total changed", func(f *protocol.ChunkFragment) { f.TotalFragments = 8 }},
		{"index out of range", func(f *protocol.ChunkFragment) { f.FragmentIndex = 4 }},
		{"negative index", func(f *protocol.ChunkFragment) { f.FragmentIndex = -1 }},
		{"block outside chunk", func(f *protocol.ChunkFragment) { f.StartX = 12 }},
		{"no tiles", func(f *protocol.ChunkFragment) { f.Tiles = nil }},
		{"row wider than size", func(f *protocol.ChunkFragment) { f.Size = 4 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asm, err := NewAssembler(coord, 4)
			require.NoError(t, err)

			frag := base
			tt.mutate(&frag)
			applied, err := asm.Apply(frag, time.Now())
			assert.ErrorIs(t, err, ErrInvalidFragment)
			assert.False(t, applied)
			assert.Equal(t, 0, asm.ReceivedCount())
		})
	}
}

func TestNewAssemblerRejectsBadTotal(t *testing.T) {
	for _, total := range []int{0, -1, tilemap.ChunkTiles + 1} {
		_, err := NewAssembler(tilemap.ChunkCoord{}, total)
		assert.ErrorIs(t, err, ErrInvalidFragment, "total=%d", total)
	}
}

func TestAssemblerManyFragments(t *testing.T) {
	coord := tilemap.ChunkCoord{X: 0, Y: 0}
	asm, err := NewAssembler(coord, tilemap.ChunkTiles)
	require.NoError(t, err)

	for i := tilemap.ChunkTiles - 1; i >= 0; i-- {
		frag := protocol.ChunkFragment{
			StartX:         i % tilemap.ChunkSize,
			StartY:         i / tilemap.ChunkSize,
			Size:           1,
			Tiles:          [][]int32{{int32(i)}},
			FragmentIndex:  i,
			TotalFragments: tilemap.ChunkTiles,
		}
		_, err := asm.Apply(frag, time.Now())
		require.NoError(t, err)
	}

	require.True(t, asm.IsComplete())
	for i, tile := range asm.Chunk().Tiles {
		assert.Equal(t, int32(i), tile)
	}
}

package streaming

import (
	"sort"

	"github.com/earthring/netclient/internal/tilemap"
)

// ComputeChunkWindow returns every chunk within a square radius of center,
// nearest first
func ComputeChunkWindow(center tilemap.ChunkCoord, radius int) []tilemap.ChunkCoord {
	if radius < 0 {
		return nil
	}
	window := make([]tilemap.ChunkCoord, 0, tilemap.ExpectedChunkCount(radius))
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			window = append(window, tilemap.ChunkCoord{X: center.X + dx, Y: center.Y + dy})
		}
	}
	sortByDistance(window, center)
	return window
}

// InWindow reports whether coord lies inside the square window
func InWindow(coord, center tilemap.ChunkCoord, radius int) bool {
	return coord.Chebyshev(center) <= radius
}

func sortByDistance(coords []tilemap.ChunkCoord, center tilemap.ChunkCoord) {
	sort.SliceStable(coords, func(i, j int) bool {
		di := coords[i].DistanceSq(center)
		dj := coords[j].DistanceSq(center)
		if di != dj {
			return di < dj
		}
		if coords[i].Y != coords[j].Y {
			return coords[i].Y < coords[j].Y
		}
		return coords[i].X < coords[j].X
	})
}

func diffChunkSets(previous, next []tilemap.ChunkCoord) (added []tilemap.ChunkCoord, removed []tilemap.ChunkCoord) {
	prevSet := make(map[tilemap.ChunkCoord]struct{}, len(previous))
	nextSet := make(map[tilemap.ChunkCoord]struct{}, len(next))

	for _, c := range previous {
		prevSet[c] = struct{}{}
	}
	for _, c := range next {
		nextSet[c] = struct{}{}
		if _, exists := prevSet[c]; !exists {
			added = append(added, c)
		}
	}
	for _, c := range previous {
		if _, exists := nextSet[c]; !exists {
			removed = append(removed, c)
		}
	}
	return
}

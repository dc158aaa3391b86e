package main

import (
	"log"
	"sync"

	"github.com/earthring/netclient/internal/entities"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/streaming"
	"github.com/earthring/netclient/internal/tilemap"
)

// headlessWorld stands in for a renderer. It keeps the resident chunk set
// and parks the local player on the spawn point.
type headlessWorld struct {
	mu        sync.RWMutex
	chunks    map[tilemap.ChunkCoord]*streaming.Chunk
	creatures map[string]entities.Entity
	tile      tilemap.TilePos
	info      protocol.WorldInfo
}

func newHeadlessWorld() *headlessWorld {
	return &headlessWorld{
		chunks:    make(map[tilemap.ChunkCoord]*streaming.Chunk),
		creatures: make(map[string]entities.Entity),
	}
}

func (w *headlessWorld) MaterializeChunk(c *streaming.Chunk) {
	w.mu.Lock()
	w.chunks[c.Coord] = c
	w.mu.Unlock()
}

func (w *headlessWorld) UnloadChunk(coord tilemap.ChunkCoord) {
	w.mu.Lock()
	delete(w.chunks, coord)
	w.mu.Unlock()
}

func (w *headlessWorld) SpawnCreature(e entities.Entity) {
	w.mu.Lock()
	w.creatures[e.ID] = e
	w.mu.Unlock()
}

func (w *headlessWorld) MoveCreature(e entities.Entity) {
	w.mu.Lock()
	w.creatures[e.ID] = e
	w.mu.Unlock()
}

func (w *headlessWorld) DespawnCreature(id string) {
	w.mu.Lock()
	delete(w.creatures, id)
	w.mu.Unlock()
}

func (w *headlessWorld) Bootstrap(info protocol.WorldInfo) {
	w.mu.Lock()
	w.info = info
	w.tile = tilemap.PixelToTile(tilemap.Vec2{X: info.SpawnX, Y: info.SpawnY})
	w.mu.Unlock()
	log.Printf("[World] Seed %d, spawn tile %v", info.Seed, w.PlayerTile())
}

func (w *headlessWorld) PlayerTile() tilemap.TilePos {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tile
}

// Summary reports what the world currently holds
func (w *headlessWorld) Summary() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return map[string]interface{}{
		"seed":      w.info.Seed,
		"chunks":    len(w.chunks),
		"creatures": len(w.creatures),
		"tile":      w.tile,
	}
}

package entities

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

type recordingSink struct {
	mu        sync.Mutex
	spawned   []string
	moved     []string
	despawned []string
}

func (s *recordingSink) SpawnCreature(e Entity) {
	s.mu.Lock()
	s.spawned = append(s.spawned, e.ID)
	s.mu.Unlock()
}

func (s *recordingSink) MoveCreature(e Entity) {
	s.mu.Lock()
	s.moved = append(s.moved, e.ID)
	s.mu.Unlock()
}

func (s *recordingSink) DespawnCreature(id string) {
	s.mu.Lock()
	s.despawned = append(s.despawned, id)
	s.mu.Unlock()
}

func TestInterpolationProgress(t *testing.T) {
	const rate = 10.0
	p0 := tilemap.Vec2{X: 100, Y: 200}
	p1 := tilemap.Vec2{X: 164, Y: 136}

	tests := []struct {
		name     string
		elapsed  time.Duration
		progress float64
	}{
		{"t=0", 0, 0},
		{"quarter", 25 * time.Millisecond, 0.25},
		{"half", 50 * time.Millisecond, 0.5},
		{"exactly one", 100 * time.Millisecond, 1},
		{"clamped", time.Second, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(rate, nil)
			tracker.SpawnPlayer(protocol.PlayerJoined{Username: "brock", X: p0.X, Y: p0.Y})
			tracker.ApplyPlayerUpdate(protocol.PlayerUpdate{Username: "brock", X: p1.X, Y: p1.Y, Moving: true})

			tracker.Advance(tt.elapsed)
			e, ok := tracker.Player("brock")
			require.True(t, ok)
			assert.InDelta(t, tt.progress, e.Progress, 1e-9)

			want := tilemap.Vec2{
				X: p0.X + (p1.X-p0.X)*tt.progress,
				Y: p0.Y + (p1.Y-p0.Y)*tt.progress,
			}
			assert.InDelta(t, want.X, e.Position.X, 1e-9)
			assert.InDelta(t, want.Y, e.Position.Y, 1e-9)
			if tt.progress == 1 {
				assert.Equal(t, p1, e.Position, "target reached exactly")
			}
			if tt.elapsed == 0 {
				assert.Equal(t, p0, e.Position)
			}
		})
	}
}

func TestInterpolationRestartsOnUpdate(t *testing.T) {
	tracker := NewTracker(10, nil)
	tracker.SpawnPlayer(protocol.PlayerJoined{Username: "misty", X: 0, Y: 0})
	tracker.ApplyPlayerUpdate(protocol.PlayerUpdate{Username: "misty", X: 100, Y: 0})

	tracker.Advance(50 * time.Millisecond)
	mid, _ := tracker.Player("misty")
	require.InDelta(t, 50, mid.Position.X, 1e-9)

	tracker.ApplyPlayerUpdate(protocol.PlayerUpdate{Username: "misty", X: 150, Y: 0, Direction: "right"})
	e, _ := tracker.Player("misty")
	assert.Equal(t, 0.0, e.Progress)
	assert.Equal(t, "right", e.Direction)

	tracker.Advance(50 * time.Millisecond)
	e, _ = tracker.Player("misty")
	assert.InDelta(t, 100, e.Position.X, 1e-9, "blends from the current position, not the original start")
}

func TestInterpolationConvergesOverTicks(t *testing.T) {
	tracker := NewTracker(10, nil)
	tracker.SpawnPlayer(protocol.PlayerJoined{Username: "gary", X: 3.3, Y: -7.1})
	tracker.ApplyPlayerUpdate(protocol.PlayerUpdate{Username: "gary", X: 96.7, Y: 12.9})

	for i := 0; i < 20; i++ {
		tracker.Advance(16 * time.Millisecond)
	}
	e, _ := tracker.Player("gary")
	assert.Equal(t, 1.0, e.Progress)
	assert.Equal(t, tilemap.Vec2{X: 96.7, Y: 12.9}, e.Position)
}

func TestSelfUpdatesIgnored(t *testing.T) {
	tracker := NewTracker(10, nil)
	tracker.SetSelf("ash")

	assert.False(t, tracker.ApplyPlayerUpdate(protocol.PlayerUpdate{Username: "ash", X: 1}))
	assert.False(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "ash", Seq: 1}))
	_, ok := tracker.Player("ash")
	assert.False(t, ok)
}

func TestUnknownPlayerUpdateAddsPlayer(t *testing.T) {
	tracker := NewTracker(10, nil)
	require.True(t, tracker.ApplyPlayerUpdate(protocol.PlayerUpdate{Username: "erika", X: 32, Y: 64}))

	e, ok := tracker.Player("erika")
	require.True(t, ok)
	assert.Equal(t, tilemap.Vec2{X: 32, Y: 64}, e.Position)
}

func TestSpawnSequenceDeduplication(t *testing.T) {
	tracker := NewTracker(10, nil)

	assert.True(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "brock", Seq: 1}))
	assert.False(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "brock", Seq: 1}), "duplicate join")
	assert.True(t, tracker.DespawnPlayer(protocol.PlayerLeft{Username: "brock", Seq: 2}))

	assert.False(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "brock", Seq: 1}), "late join after leave")
	_, ok := tracker.Player("brock")
	assert.False(t, ok)

	assert.True(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "brock", Seq: 3}))
	assert.False(t, tracker.DespawnPlayer(protocol.PlayerLeft{Username: "brock", Seq: 2}), "stale leave")
	_, ok = tracker.Player("brock")
	assert.True(t, ok)
}

func TestUnsequencedSpawnDoesNotDuplicate(t *testing.T) {
	tracker := NewTracker(10, nil)
	assert.True(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "koga"}))
	assert.False(t, tracker.SpawnPlayer(protocol.PlayerJoined{Username: "koga"}))
	players, _ := tracker.Len()
	assert.Equal(t, 1, players)
}

func TestCreatureLifecycle(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(10, sink)

	assert.False(t, tracker.ApplyCreatureUpdate(protocol.EntityUpdate{ID: "c1", X: 5}), "unknown creature")

	require.True(t, tracker.SpawnCreature(protocol.EntitySpawn{ID: "c1", Species: "pidgey", Level: 3, Seq: 1}))
	assert.False(t, tracker.SpawnCreature(protocol.EntitySpawn{ID: "c1", Species: "pidgey", Seq: 1}))

	require.True(t, tracker.ApplyCreatureUpdate(protocol.EntityUpdate{ID: "c1", X: 10, Y: 0, Moving: true, CurrentHP: 12}))
	tracker.Advance(200 * time.Millisecond)

	c, ok := tracker.Creature("c1")
	require.True(t, ok)
	assert.Equal(t, tilemap.Vec2{X: 10, Y: 0}, c.Position)
	assert.Equal(t, 12, c.CurrentHP)
	assert.Equal(t, "pidgey", c.Species)

	tracker.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"c1"}, sink.moved, "idle creature is not moved again")

	require.True(t, tracker.DespawnCreature(protocol.EntityDespawn{ID: "c1", Seq: 2}))
	assert.Equal(t, []string{"c1"}, sink.spawned)
	assert.Equal(t, []string{"c1"}, sink.despawned)
	_, ok = tracker.Creature("c1")
	assert.False(t, ok)
}

func TestPruneStaleEntities(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	sink := &recordingSink{}
	tracker := NewTracker(10, sink, WithClock(clock))

	tracker.SpawnPlayer(protocol.PlayerJoined{Username: "idle"})
	tracker.SpawnCreature(protocol.EntitySpawn{ID: "c-old"})
	now = now.Add(20 * time.Second)
	tracker.SpawnCreature(protocol.EntitySpawn{ID: "c-fresh"})

	now = now.Add(15 * time.Second)
	removed := tracker.Prune(30 * time.Second)
	assert.Equal(t, []string{"c-old"}, removed)
	assert.Equal(t, []string{"c-old"}, sink.despawned)

	_, ok := tracker.Creature("c-fresh")
	assert.True(t, ok)
	_, ok = tracker.Player("idle")
	assert.True(t, ok, "players leave through leave events only")
}

func TestSetPingsAndClear(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(10, sink)
	tracker.SpawnPlayer(protocol.PlayerJoined{Username: "sabrina"})
	tracker.SpawnCreature(protocol.EntitySpawn{ID: "c9"})

	tracker.SetPings(protocol.PlayerList{Players: []protocol.PlayerListEntry{
		{Username: "sabrina", PingMs: 42},
		{Username: "nobody", PingMs: 7},
	}})
	e, _ := tracker.Player("sabrina")
	assert.Equal(t, 42, e.PingMs)

	tracker.Clear()
	players, creatures := tracker.Len()
	assert.Zero(t, players)
	assert.Zero(t, creatures)
	assert.Equal(t, []string{"c9"}, sink.despawned)
}

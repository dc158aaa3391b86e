package entities

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

// Kind distinguishes remote players from roaming creatures
type Kind int

const (
	KindPlayer Kind = iota
	KindCreature
)

func (k Kind) String() string {
	if k == KindCreature {
		return "creature"
	}
	return "player"
}

// Entity is the client-side view of one remote entity. Position is the
// blended position shown locally; Target is the last reported position.
type Entity struct {
	ID        string
	Kind      Kind
	Species   string
	Level     int
	CurrentHP int
	Position  tilemap.Vec2
	Target    tilemap.Vec2
	Direction string
	Moving    bool
	Running   bool
	Progress  float64
	PingMs    int
	UpdatedAt time.Time
}

// CreatureSink mirrors creature lifecycle into the world layer
type CreatureSink interface {
	SpawnCreature(e Entity)
	MoveCreature(e Entity)
	DespawnCreature(id string)
}

// Tracker holds every remote player and creature and interpolates them
// toward their latest reported positions
type Tracker struct {
	rate float64
	now  func() time.Time
	sink CreatureSink

	mu        sync.RWMutex
	self      string
	players   map[string]*Entity
	creatures map[string]*Entity
	// lastSeq survives removal so a late spawn cannot resurrect an entity
	lastSeq map[Kind]map[string]uint64
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now for staleness checks
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker advancing interpolation progress by
// dt*rate per tick. sink may be nil.
func NewTracker(rate float64, sink CreatureSink, opts ...Option) *Tracker {
	t := &Tracker{
		rate:      rate,
		now:       time.Now,
		sink:      sink,
		players:   make(map[string]*Entity),
		creatures: make(map[string]*Entity),
		lastSeq: map[Kind]map[string]uint64{
			KindPlayer:   make(map[string]uint64),
			KindCreature: make(map[string]uint64),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetSelf names the local player, whose echoed updates are ignored
func (t *Tracker) SetSelf(username string) {
	t.mu.Lock()
	t.self = username
	delete(t.players, username)
	t.mu.Unlock()
}

// ApplyPlayerUpdate retargets a remote player. An unknown player is added
// at the reported position.
func (t *Tracker) ApplyPlayerUpdate(u protocol.PlayerUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u.Username == "" || u.Username == t.self {
		return false
	}
	e, ok := t.players[u.Username]
	if !ok {
		e = &Entity{ID: u.Username, Kind: KindPlayer, Position: tilemap.Vec2{X: u.X, Y: u.Y}}
		t.players[u.Username] = e
	}
	t.retarget(e, u.X, u.Y, u.Direction, u.Moving)
	e.Running = u.Running
	return true
}

// ApplyCreatureUpdate retargets a creature. It returns false for an unknown
// creature so the caller can ask the server for its spawn data.
func (t *Tracker) ApplyCreatureUpdate(u protocol.EntityUpdate) bool {
	t.mu.Lock()
	e, ok := t.creatures[u.ID]
	if ok {
		t.retarget(e, u.X, u.Y, u.Direction, u.Moving)
		if u.Level > 0 {
			e.Level = u.Level
		}
		if u.CurrentHP > 0 {
			e.CurrentHP = u.CurrentHP
		}
	}
	t.mu.Unlock()
	return ok
}

// SpawnPlayer adds a player announced by a join event. Events whose seq is
// not newer than the last one seen for that player are dropped.
func (t *Tracker) SpawnPlayer(j protocol.PlayerJoined) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if j.Username == "" || j.Username == t.self {
		return false
	}
	if !t.acceptSeq(KindPlayer, j.Username, j.Seq) {
		return false
	}
	if _, exists := t.players[j.Username]; exists && j.Seq == 0 {
		return false
	}
	pos := tilemap.Vec2{X: j.X, Y: j.Y}
	t.players[j.Username] = &Entity{
		ID:        j.Username,
		Kind:      KindPlayer,
		Position:  pos,
		Target:    pos,
		Progress:  1,
		UpdatedAt: t.now(),
	}
	return true
}

// DespawnPlayer removes a player. A leave older than the last join is stale.
func (t *Tracker) DespawnPlayer(l protocol.PlayerLeft) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l.Seq != 0 && !t.acceptSeq(KindPlayer, l.Username, l.Seq) {
		return false
	}
	if _, ok := t.players[l.Username]; !ok {
		return false
	}
	delete(t.players, l.Username)
	return true
}

// SpawnCreature adds a creature and mirrors it into the sink
func (t *Tracker) SpawnCreature(s protocol.EntitySpawn) bool {
	t.mu.Lock()
	if !t.acceptSeq(KindCreature, s.ID, s.Seq) {
		t.mu.Unlock()
		return false
	}
	if _, exists := t.creatures[s.ID]; exists && s.Seq == 0 {
		t.mu.Unlock()
		return false
	}
	pos := tilemap.Vec2{X: s.X, Y: s.Y}
	e := &Entity{
		ID:        s.ID,
		Kind:      KindCreature,
		Species:   s.Species,
		Level:     s.Level,
		Position:  pos,
		Target:    pos,
		Direction: s.Direction,
		Progress:  1,
		UpdatedAt: t.now(),
	}
	t.creatures[s.ID] = e
	snapshot := *e
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.SpawnCreature(snapshot)
	}
	return true
}

// DespawnCreature removes a creature and tells the sink
func (t *Tracker) DespawnCreature(d protocol.EntityDespawn) bool {
	t.mu.Lock()
	if d.Seq != 0 && !t.acceptSeq(KindCreature, d.ID, d.Seq) {
		t.mu.Unlock()
		return false
	}
	_, ok := t.creatures[d.ID]
	delete(t.creatures, d.ID)
	t.mu.Unlock()

	if ok && t.sink != nil {
		t.sink.DespawnCreature(d.ID)
	}
	return ok
}

// Advance moves every entity toward its target. Progress grows by
// dt*rate, clamped to 1, and blends from the current position.
func (t *Tracker) Advance(dt time.Duration) {
	step := dt.Seconds() * t.rate
	var moved []Entity

	t.mu.Lock()
	for _, e := range t.players {
		advance(e, step)
	}
	for _, e := range t.creatures {
		if advance(e, step) {
			moved = append(moved, *e)
		}
	}
	t.mu.Unlock()

	if t.sink != nil {
		for _, e := range moved {
			t.sink.MoveCreature(e)
		}
	}
}

// Prune drops creatures that have not been updated within ttl and returns
// their IDs. Players are only removed by leave events.
func (t *Tracker) Prune(ttl time.Duration) []string {
	cutoff := t.now().Add(-ttl)
	var removed []string

	t.mu.Lock()
	for id, e := range t.creatures {
		if e.UpdatedAt.Before(cutoff) {
			delete(t.creatures, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()

	if t.sink != nil {
		for _, id := range removed {
			t.sink.DespawnCreature(id)
		}
	}
	if len(removed) > 0 {
		log.Printf("[Entities] Pruned %d stale creatures", len(removed))
	}
	return removed
}

// Clear forgets every entity, as on disconnect. Sequence history is kept.
func (t *Tracker) Clear() {
	t.mu.Lock()
	var creatures []string
	for id := range t.creatures {
		creatures = append(creatures, id)
	}
	t.players = make(map[string]*Entity)
	t.creatures = make(map[string]*Entity)
	t.mu.Unlock()

	if t.sink != nil {
		for _, id := range creatures {
			t.sink.DespawnCreature(id)
		}
	}
}

// SetPings records per-player latency from a player list
func (t *Tracker) SetPings(list protocol.PlayerList) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range list.Players {
		if e, ok := t.players[p.Username]; ok {
			e.PingMs = p.PingMs
		}
	}
}

// Player returns a copy of one tracked player
func (t *Tracker) Player(username string) (Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.players[username]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Creature returns a copy of one tracked creature
func (t *Tracker) Creature(id string) (Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.creatures[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Players returns copies of all tracked players, sorted by name
func (t *Tracker) Players() []Entity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.players)
}

// Creatures returns copies of all tracked creatures, sorted by ID
func (t *Tracker) Creatures() []Entity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.creatures)
}

// Len returns the number of tracked players and creatures
func (t *Tracker) Len() (players, creatures int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.players), len(t.creatures)
}

func (t *Tracker) retarget(e *Entity, x, y float64, direction string, moving bool) {
	e.Target = tilemap.Vec2{X: x, Y: y}
	if direction != "" {
		e.Direction = direction
	}
	e.Moving = moving
	e.Progress = 0
	e.UpdatedAt = t.now()
}

// acceptSeq records seq for id when it is newer than the last one seen.
// A zero seq is unsequenced and always accepted.
func (t *Tracker) acceptSeq(kind Kind, id string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	if last, ok := t.lastSeq[kind][id]; ok && seq <= last {
		return false
	}
	t.lastSeq[kind][id] = seq
	return true
}

func advance(e *Entity, step float64) bool {
	if e.Progress >= 1 && e.Position == e.Target {
		return false
	}
	e.Progress += step
	if e.Progress >= 1 {
		e.Progress = 1
		e.Position = e.Target
		return true
	}
	e.Position.X += (e.Target.X - e.Position.X) * e.Progress
	e.Position.Y += (e.Target.Y - e.Position.Y) * e.Progress
	return true
}

func snapshot(m map[string]*Entity) []Entity {
	out := make([]Entity, 0, len(m))
	for _, e := range m {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package streaming

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/earthring/netclient/internal/compression"
	"github.com/earthring/netclient/internal/config"
	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

// ErrNotAuthenticated is returned when a chunk is requested before the
// session has authenticated
var ErrNotAuthenticated = errors.New("chunk request requires an authenticated session")

const pumpLimiterKey = "chunk_requests"

// Link is the slice of the session the manager needs to issue requests
type Link interface {
	Authenticated() bool
	RequestChunk(coord tilemap.ChunkCoord) error
}

// ChunkSink receives assembled chunks and unload notices
type ChunkSink interface {
	MaterializeChunk(chunk *Chunk)
	UnloadChunk(coord tilemap.ChunkCoord)
}

// Stats is a point-in-time view of the manager's sets
type Stats struct {
	Center     tilemap.ChunkCoord `json:"center"`
	Resident   int                `json:"resident"`
	Pending    int                `json:"pending"`
	Queued     int                `json:"queued"`
	Assembling int                `json:"assembling"`
	Loading    bool               `json:"loading"`
}

type pendingRequest struct {
	requestedAt time.Time
}

// Manager keeps the resident chunk set in sync with a square window around
// the player. Requests are admitted through a queue bounded by an in-flight
// ceiling and a minimum interval between sends.
type Manager struct {
	cfg      config.StreamingConfig
	link     Link
	sink     ChunkSink
	profiler *performance.Profiler
	limiter  *limiter.Limiter
	now      func() time.Time
	onLoaded func()

	mu           sync.Mutex
	center       tilemap.ChunkCoord
	hasCenter    bool
	window       []tilemap.ChunkCoord
	loading      bool
	lastProgress time.Time
	pending      map[tilemap.ChunkCoord]*pendingRequest
	resident     map[tilemap.ChunkCoord]struct{}
	queue        []tilemap.ChunkCoord
	queued       map[tilemap.ChunkCoord]struct{}
	assemblers   map[tilemap.ChunkCoord]*Assembler
	retries      map[tilemap.ChunkCoord]int
}

// Option configures a Manager
type Option func(*Manager)

// WithProfiler records round-trip timings and counters
func WithProfiler(p *performance.Profiler) Option {
	return func(m *Manager) { m.profiler = p }
}

// WithClock replaces time.Now for timeout bookkeeping
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLoadedHook is called once each time the window becomes fully resident
// after BeginLoading
func WithLoadedHook(fn func()) Option {
	return func(m *Manager) { m.onLoaded = fn }
}

// NewManager builds a streaming manager. A zero RequestInterval disables
// the pump rate limit.
func NewManager(cfg config.StreamingConfig, link Link, sink ChunkSink, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		link:       link,
		sink:       sink,
		now:        time.Now,
		pending:    make(map[tilemap.ChunkCoord]*pendingRequest),
		resident:   make(map[tilemap.ChunkCoord]struct{}),
		queued:     make(map[tilemap.ChunkCoord]struct{}),
		assemblers: make(map[tilemap.ChunkCoord]*Assembler),
		retries:    make(map[tilemap.ChunkCoord]int),
	}
	if m.cfg.MaxInFlight <= 0 {
		m.cfg.MaxInFlight = 1
	}
	if cfg.RequestInterval > 0 {
		m.limiter = limiter.New(memory.NewStore(), limiter.Rate{
			Period: cfg.RequestInterval,
			Limit:  1,
		})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestChunk sends a request for coord immediately. The coordinate is
// pending before the send and removed again if the send fails. Resident and
// already pending coordinates are left alone.
func (m *Manager) RequestChunk(coord tilemap.ChunkCoord) error {
	if !m.link.Authenticated() {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	if m.isResidentLocked(coord) || m.isPendingLocked(coord) {
		m.mu.Unlock()
		return nil
	}
	m.pending[coord] = &pendingRequest{requestedAt: m.now()}
	m.mu.Unlock()

	return m.send(coord)
}

// Enqueue adds coord to the request queue unless it is resident, pending or
// already queued
func (m *Manager) Enqueue(coords ...tilemap.ChunkCoord) {
	m.mu.Lock()
	for _, c := range coords {
		m.enqueueLocked(c)
	}
	if m.hasCenter {
		sortByDistance(m.queue, m.center)
	}
	m.mu.Unlock()
}

// Pump sends queued requests while the in-flight count is under the ceiling
// and the rate limiter admits them. It returns the number of requests sent.
func (m *Manager) Pump() int {
	sent := 0
	for m.link.Authenticated() {
		m.mu.Lock()
		ready := len(m.pending) < m.cfg.MaxInFlight && m.hasQueuedLocked()
		m.mu.Unlock()
		if !ready || !m.admit() {
			return sent
		}

		m.mu.Lock()
		if len(m.pending) >= m.cfg.MaxInFlight {
			m.mu.Unlock()
			return sent
		}
		coord, ok := m.popLocked()
		if ok {
			m.pending[coord] = &pendingRequest{requestedAt: m.now()}
		}
		m.mu.Unlock()
		if !ok {
			return sent
		}

		if err := m.send(coord); err != nil {
			m.mu.Lock()
			m.pushFrontLocked(coord)
			m.mu.Unlock()
			return sent
		}
		sent++
	}
	return sent
}

// HandleFragment applies one fragment to the assembler for its chunk.
// Fragments for an already resident chunk are ignored.
func (m *Manager) HandleFragment(frag protocol.ChunkFragment) error {
	coord := frag.Coord()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isResidentLocked(coord) {
		m.profiler.Incr(performance.MetricChunkDuplicates, 1)
		return nil
	}

	asm, ok := m.assemblers[coord]
	if !ok {
		var err error
		asm, err = NewAssembler(coord, frag.TotalFragments)
		if err != nil {
			return err
		}
		m.assemblers[coord] = asm
	}

	applied, err := asm.Apply(frag, m.now())
	if err != nil {
		return err
	}
	if !applied {
		m.profiler.Incr(performance.MetricChunkDuplicates, 1)
	}
	return nil
}

// HandleComplete checks the assembler for coord. A complete chunk is
// delivered; an incomplete one stays pending so it is requested again.
func (m *Manager) HandleComplete(coord tilemap.ChunkCoord) error {
	m.mu.Lock()
	asm, ok := m.assemblers[coord]
	if !ok {
		resident := m.isResidentLocked(coord)
		m.mu.Unlock()
		if resident {
			return nil
		}
		return fmt.Errorf("%w: complete for %v with no fragments", ErrInvalidFragment, coord)
	}
	if !asm.IsComplete() {
		missing := asm.Missing()
		received, total := asm.ReceivedCount(), asm.TotalFragments()
		m.mu.Unlock()
		m.profiler.Incr(performance.MetricFragmentsDropped, int64(len(missing)))
		log.Printf("[Assembler] Chunk %v incomplete at complete signal: %d/%d fragments, missing %v; left pending",
			coord, received, total, missing)
		return nil
	}
	chunk := asm.Chunk()
	delete(m.assemblers, coord)
	m.mu.Unlock()

	m.deliver(chunk)
	return nil
}

// HandleChunkData delivers an unfragmented chunk, decoding a compressed
// payload when one is present
func (m *Manager) HandleChunkData(data protocol.ChunkData) error {
	tiles := data.Tiles
	if data.Format != "" {
		decoded, err := compression.DecodePayload(data.Format, data.Payload, tilemap.ChunkTiles)
		if err != nil {
			return fmt.Errorf("chunk %v: %w", data.Coord(), err)
		}
		tiles = decoded
	}
	if len(tiles) != tilemap.ChunkTiles {
		return fmt.Errorf("chunk %v: expected %d tiles, got %d", data.Coord(), tilemap.ChunkTiles, len(tiles))
	}
	m.deliver(&Chunk{Coord: data.Coord(), Biome: data.Biome, Tiles: tiles})
	return nil
}

// BeginLoading centers the window on center, queues every missing chunk
// nearest first and enters the loading phase
func (m *Manager) BeginLoading(center tilemap.ChunkCoord) {
	m.mu.Lock()
	m.center = center
	m.hasCenter = true
	m.window = ComputeChunkWindow(center, m.cfg.LoadRadius)
	m.lastProgress = m.now()
	for _, c := range m.window {
		m.enqueueLocked(c)
	}
	sortByDistance(m.queue, center)
	m.loading = true
	loaded := m.completeLoadingLocked()
	m.mu.Unlock()

	log.Printf("[Stream] Loading %d chunks around %v", tilemap.ExpectedChunkCount(m.cfg.LoadRadius), center)
	if loaded {
		m.notifyLoaded()
	}
	m.Pump()
}

// UpdateCenter moves the window. New chunks are queued, queued chunks that
// left the window are dropped, and resident chunks beyond the unload margin
// are unloaded.
func (m *Manager) UpdateCenter(center tilemap.ChunkCoord) {
	m.mu.Lock()
	if !m.hasCenter {
		m.mu.Unlock()
		m.BeginLoading(center)
		return
	}
	if center == m.center {
		m.mu.Unlock()
		return
	}

	next := ComputeChunkWindow(center, m.cfg.LoadRadius)
	added, _ := diffChunkSets(m.window, next)
	m.center = center
	m.window = next
	m.lastProgress = m.now()

	kept := m.queue[:0]
	for _, c := range m.queue {
		if InWindow(c, center, m.cfg.LoadRadius) {
			kept = append(kept, c)
		} else {
			delete(m.queued, c)
		}
	}
	m.queue = kept
	for _, c := range added {
		m.enqueueLocked(c)
	}
	sortByDistance(m.queue, center)

	keep := m.cfg.LoadRadius + m.cfg.UnloadMargin
	var unloaded []tilemap.ChunkCoord
	for c := range m.resident {
		if !InWindow(c, center, keep) {
			delete(m.resident, c)
			unloaded = append(unloaded, c)
		}
	}
	m.mu.Unlock()

	for _, c := range unloaded {
		m.sink.UnloadChunk(c)
	}
	if len(unloaded) > 0 {
		log.Printf("[Stream] Center %v: queued %d, unloaded %d", center, len(added), len(unloaded))
	}
	m.Pump()
}

// CheckProgress runs the timeout paths. Requests older than RequestTimeout
// go back to the front of the queue until MaxChunkRetries is exceeded.
// Assemblers idle past AssemblyTimeout are discarded. When the window has
// made no progress for LoadTimeout, every missing chunk in it is requested
// directly, pending or not.
func (m *Manager) CheckProgress() {
	now := m.now()
	authenticated := m.link.Authenticated()
	var rescan []tilemap.ChunkCoord

	m.mu.Lock()
	for coord, req := range m.pending {
		if now.Sub(req.requestedAt) < m.cfg.RequestTimeout {
			continue
		}
		delete(m.pending, coord)
		delete(m.assemblers, coord)
		m.retries[coord]++
		m.profiler.Incr(performance.MetricChunkRetries, 1)
		if m.retries[coord] > m.cfg.MaxChunkRetries {
			delete(m.retries, coord)
			log.Printf("[Stream] Warning: Chunk %v timed out %d times, waiting for rescan", coord, m.cfg.MaxChunkRetries+1)
			continue
		}
		m.pushFrontLocked(coord)
	}

	for coord, asm := range m.assemblers {
		if now.Sub(asm.lastSeen) >= m.cfg.AssemblyTimeout {
			delete(m.assemblers, coord)
			log.Printf("[Assembler] Discarding stale assembler for %v (%d/%d fragments)",
				coord, asm.ReceivedCount(), asm.TotalFragments())
		}
	}

	stalled := now.Sub(m.lastProgress) >= m.cfg.LoadTimeout
	if authenticated && m.hasCenter && stalled && m.residentInWindowLocked() < len(m.window) {
		for _, c := range m.window {
			if m.isResidentLocked(c) {
				continue
			}
			m.pending[c] = &pendingRequest{requestedAt: now}
			rescan = append(rescan, c)
		}
		m.lastProgress = now
	}
	center := m.center
	m.mu.Unlock()

	if len(rescan) > 0 {
		log.Printf("[Stream] Window around %v stalled, re-requesting %d chunks", center, len(rescan))
		for _, c := range rescan {
			_ = m.send(c)
		}
	}
	m.Pump()
}

// Reset is called when the connection drops. Pending requests go back to
// the queue and partial assemblies are discarded; resident chunks stay.
func (m *Manager) Reset() {
	m.mu.Lock()
	requeued := 0
	for c := range m.pending {
		m.enqueueCoordLocked(c)
		requeued++
	}
	if m.hasCenter {
		sortByDistance(m.queue, m.center)
	}
	m.pending = make(map[tilemap.ChunkCoord]*pendingRequest)
	m.assemblers = make(map[tilemap.ChunkCoord]*Assembler)
	m.retries = make(map[tilemap.ChunkCoord]int)
	m.mu.Unlock()

	if requeued > 0 {
		log.Printf("[Stream] Connection reset, requeued %d pending chunks", requeued)
	}
}

// IsPending reports whether coord has an outstanding request
func (m *Manager) IsPending(coord tilemap.ChunkCoord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPendingLocked(coord)
}

// IsResident reports whether coord has been delivered and not unloaded
func (m *Manager) IsResident(coord tilemap.ChunkCoord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isResidentLocked(coord)
}

// IsQueued reports whether coord is waiting in the request queue
func (m *Manager) IsQueued(coord tilemap.ChunkCoord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queued[coord]
	return ok
}

// Loading reports whether the initial window is still being filled
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Stats returns counts of the manager's sets
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Center:     m.center,
		Resident:   len(m.resident),
		Pending:    len(m.pending),
		Queued:     len(m.queue),
		Assembling: len(m.assemblers),
		Loading:    m.loading,
	}
}

// deliver marks chunk resident exactly once and hands it to the sink
func (m *Manager) deliver(chunk *Chunk) {
	coord := chunk.Coord

	m.mu.Lock()
	if m.isResidentLocked(coord) {
		delete(m.pending, coord)
		delete(m.assemblers, coord)
		m.mu.Unlock()
		m.profiler.Incr(performance.MetricChunkDuplicates, 1)
		return
	}
	req := m.pending[coord]
	delete(m.pending, coord)
	delete(m.assemblers, coord)
	delete(m.retries, coord)
	m.resident[coord] = struct{}{}
	now := m.now()
	m.lastProgress = now
	loaded := m.completeLoadingLocked()
	m.mu.Unlock()

	if req != nil {
		m.profiler.Record(performance.MetricChunkRoundTrip, now.Sub(req.requestedAt))
	}
	m.sink.MaterializeChunk(chunk)
	if loaded {
		m.notifyLoaded()
	}
	m.Pump()
}

func (m *Manager) notifyLoaded() {
	log.Printf("[Stream] Initial window loaded (%d chunks)", tilemap.ExpectedChunkCount(m.cfg.LoadRadius))
	if m.onLoaded != nil {
		m.onLoaded()
	}
}

// completeLoadingLocked leaves the loading phase once the whole window is resident
func (m *Manager) completeLoadingLocked() bool {
	if !m.loading || m.residentInWindowLocked() < tilemap.ExpectedChunkCount(m.cfg.LoadRadius) {
		return false
	}
	m.loading = false
	return true
}

func (m *Manager) residentInWindowLocked() int {
	n := 0
	for _, c := range m.window {
		if _, ok := m.resident[c]; ok {
			n++
		}
	}
	return n
}

func (m *Manager) send(coord tilemap.ChunkCoord) error {
	if err := m.link.RequestChunk(coord); err != nil {
		m.mu.Lock()
		delete(m.pending, coord)
		m.mu.Unlock()
		log.Printf("[Stream] Failed to request chunk %v: %v", coord, err)
		return fmt.Errorf("failed to request chunk %v: %w", coord, err)
	}
	m.profiler.Incr(performance.MetricChunkRequests, 1)
	return nil
}

func (m *Manager) admit() bool {
	if m.limiter == nil {
		return true
	}
	ctx, err := m.limiter.Get(context.Background(), pumpLimiterKey)
	if err != nil {
		log.Printf("[Stream] Warning: Rate limiter error: %v", err)
		return true
	}
	return !ctx.Reached
}

func (m *Manager) isResidentLocked(c tilemap.ChunkCoord) bool {
	_, ok := m.resident[c]
	return ok
}

func (m *Manager) isPendingLocked(c tilemap.ChunkCoord) bool {
	_, ok := m.pending[c]
	return ok
}

func (m *Manager) enqueueLocked(c tilemap.ChunkCoord) {
	if m.isResidentLocked(c) || m.isPendingLocked(c) {
		return
	}
	m.enqueueCoordLocked(c)
}

func (m *Manager) enqueueCoordLocked(c tilemap.ChunkCoord) {
	if _, ok := m.queued[c]; ok {
		return
	}
	m.queued[c] = struct{}{}
	m.queue = append(m.queue, c)
}

func (m *Manager) pushFrontLocked(c tilemap.ChunkCoord) {
	if _, ok := m.queued[c]; ok {
		return
	}
	m.queued[c] = struct{}{}
	m.queue = append([]tilemap.ChunkCoord{c}, m.queue...)
}

// hasQueuedLocked drops stale entries from the head of the queue
func (m *Manager) hasQueuedLocked() bool {
	for len(m.queue) > 0 {
		c := m.queue[0]
		if !m.isResidentLocked(c) && !m.isPendingLocked(c) {
			return true
		}
		m.queue = m.queue[1:]
		delete(m.queued, c)
	}
	return false
}

func (m *Manager) popLocked() (tilemap.ChunkCoord, bool) {
	if !m.hasQueuedLocked() {
		return tilemap.ChunkCoord{}, false
	}
	c := m.queue[0]
	m.queue = m.queue[1:]
	delete(m.queued, c)
	return c, true
}

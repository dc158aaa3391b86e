package streaming

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthring/netclient/internal/compression"
	"github.com/earthring/netclient/internal/config"
	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

type fakeLink struct {
	mu     sync.Mutex
	authed bool
	fail   error
	sent   []tilemap.ChunkCoord
}

func (l *fakeLink) Authenticated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authed
}

func (l *fakeLink) RequestChunk(coord tilemap.ChunkCoord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.sent = append(l.sent, coord)
	return nil
}

func (l *fakeLink) setAuthed(v bool) {
	l.mu.Lock()
	l.authed = v
	l.mu.Unlock()
}

func (l *fakeLink) sentCount(coord tilemap.ChunkCoord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.sent {
		if c == coord {
			n++
		}
	}
	return n
}

func (l *fakeLink) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

type fakeSink struct {
	mu       sync.Mutex
	chunks   []*Chunk
	unloaded []tilemap.ChunkCoord
}

func (s *fakeSink) MaterializeChunk(chunk *Chunk) {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
}

func (s *fakeSink) UnloadChunk(coord tilemap.ChunkCoord) {
	s.mu.Lock()
	s.unloaded = append(s.unloaded, coord)
	s.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testStreamingConfig() config.StreamingConfig {
	return config.StreamingConfig{
		LoadRadius:      3,
		MaxInFlight:     4,
		RequestInterval: 0,
		LoadTimeout:     10 * time.Second,
		RequestTimeout:  5 * time.Second,
		MaxChunkRetries: 2,
		UnloadMargin:    1,
		AssemblyTimeout: 15 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg config.StreamingConfig, opts ...Option) (*Manager, *fakeLink, *fakeSink, *fakeClock) {
	t.Helper()
	link := &fakeLink{authed: true}
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts = append([]Option{WithClock(clock.Now), WithProfiler(performance.NewProfiler(true))}, opts...)
	return NewManager(cfg, link, sink, opts...), link, sink, clock
}

func deliverFragments(t *testing.T, m *Manager, frags []protocol.ChunkFragment, order []int) {
	t.Helper()
	for _, i := range order {
		require.NoError(t, m.HandleFragment(frags[i]))
	}
	require.NoError(t, m.HandleComplete(frags[0].Coord()))
}

func TestRequestChunkRequiresAuthentication(t *testing.T) {
	m, link, _, _ := newTestManager(t, testStreamingConfig())
	link.setAuthed(false)

	coord := tilemap.ChunkCoord{X: 1, Y: 1}
	err := m.RequestChunk(coord)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, m.IsPending(coord))
	assert.Equal(t, 0, link.total())
}

func TestRequestChunkMarksPending(t *testing.T) {
	m, link, _, _ := newTestManager(t, testStreamingConfig())
	coord := tilemap.ChunkCoord{X: 2, Y: 3}

	require.NoError(t, m.RequestChunk(coord))
	assert.True(t, m.IsPending(coord))

	require.NoError(t, m.RequestChunk(coord))
	assert.Equal(t, 1, link.sentCount(coord), "pending chunk must not be requested twice")
}

func TestRequestChunkSendFailureClearsPending(t *testing.T) {
	m, link, _, _ := newTestManager(t, testStreamingConfig())
	link.fail = errors.New("socket closed")
	coord := tilemap.ChunkCoord{X: 0, Y: 1}

	require.Error(t, m.RequestChunk(coord))
	assert.False(t, m.IsPending(coord))

	link.fail = nil
	require.NoError(t, m.RequestChunk(coord))
	assert.True(t, m.IsPending(coord))
}

func TestFragmentsOutOfOrderMatchInOrder(t *testing.T) {
	coord := tilemap.ChunkCoord{X: 2, Y: 3}
	frags := quadrantFragments(coord)

	shuffled, _, shuffledSink, _ := newTestManager(t, testStreamingConfig())
	require.NoError(t, shuffled.RequestChunk(coord))
	deliverFragments(t, shuffled, frags, []int{2, 0, 3, 1})

	ordered, _, orderedSink, _ := newTestManager(t, testStreamingConfig())
	require.NoError(t, ordered.RequestChunk(coord))
	deliverFragments(t, ordered, frags, []int{0, 1, 2, 3})

	require.Len(t, shuffledSink.chunks, 1)
	require.Len(t, orderedSink.chunks, 1)
	assert.Equal(t, orderedSink.chunks[0].Tiles, shuffledSink.chunks[0].Tiles)
	assert.Equal(t, coord, shuffledSink.chunks[0].Coord)

	assert.False(t, shuffled.IsPending(coord))
	assert.True(t, shuffled.IsResident(coord))
	assert.Equal(t, 0, shuffled.Stats().Assembling)
}

func TestIncompleteChunkStaysPending(t *testing.T) {
	m, _, sink, _ := newTestManager(t, testStreamingConfig())
	coord := tilemap.ChunkCoord{X: 4, Y: -1}
	frags := quadrantFragments(coord)

	require.NoError(t, m.RequestChunk(coord))
	deliverFragments(t, m, frags, []int{0, 1, 3})

	assert.True(t, m.IsPending(coord))
	assert.False(t, m.IsResident(coord))
	assert.Empty(t, sink.chunks)

	require.NoError(t, m.HandleFragment(frags[2]))
	require.NoError(t, m.HandleComplete(coord))
	assert.True(t, m.IsResident(coord))
	assert.Len(t, sink.chunks, 1)
}

func TestDuplicateDeliveryMaterializesOnce(t *testing.T) {
	m, _, sink, _ := newTestManager(t, testStreamingConfig())
	coord := tilemap.ChunkCoord{X: 1, Y: 0}
	frags := quadrantFragments(coord)

	require.NoError(t, m.RequestChunk(coord))
	deliverFragments(t, m, frags, []int{0, 1, 1, 2, 3, 3})
	deliverFragments(t, m, frags, []int{0, 1, 2, 3})

	data := protocol.ChunkData{ChunkX: coord.X, ChunkY: coord.Y, Tiles: make([]int32, tilemap.ChunkTiles)}
	require.NoError(t, m.HandleChunkData(data))

	assert.Len(t, sink.chunks, 1)
	assert.True(t, m.IsResident(coord))
	assert.False(t, m.IsPending(coord))
}

func TestCompleteWithoutFragments(t *testing.T) {
	m, _, _, _ := newTestManager(t, testStreamingConfig())
	err := m.HandleComplete(tilemap.ChunkCoord{X: 9, Y: 9})
	assert.ErrorIs(t, err, ErrInvalidFragment)
}

func TestHandleChunkDataCompressed(t *testing.T) {
	m, _, sink, _ := newTestManager(t, testStreamingConfig())
	coord := tilemap.ChunkCoord{X: -3, Y: 7}

	tiles := make([]int32, tilemap.ChunkTiles)
	for i := range tiles {
		tiles[i] = int32(i % 5)
	}
	compressed, err := compression.CompressTiles(tiles)
	require.NoError(t, err)
	payload := compression.FormatCompressedTiles(compressed, len(tiles)*4)

	require.NoError(t, m.RequestChunk(coord))
	require.NoError(t, m.HandleChunkData(protocol.ChunkData{
		ChunkX:  coord.X,
		ChunkY:  coord.Y,
		Biome:   "desert",
		Format:  payload.Format,
		Payload: payload.Data,
	}))

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, tiles, sink.chunks[0].Tiles)
	assert.Equal(t, "desert", sink.chunks[0].Biome)
	assert.False(t, m.IsPending(coord))
}

func TestHandleChunkDataRejectsShortTiles(t *testing.T) {
	m, _, sink, _ := newTestManager(t, testStreamingConfig())
	err := m.HandleChunkData(protocol.ChunkData{ChunkX: 0, ChunkY: 0, Tiles: []int32{1, 2, 3}})
	assert.Error(t, err)
	assert.Empty(t, sink.chunks)
}

func TestPumpRespectsInFlightCeiling(t *testing.T) {
	m, link, _, _ := newTestManager(t, testStreamingConfig())

	m.BeginLoading(tilemap.ChunkCoord{})
	assert.Equal(t, 4, link.total())
	stats := m.Stats()
	assert.Equal(t, 4, stats.Pending)
	assert.Equal(t, tilemap.ExpectedChunkCount(3)-4, stats.Queued)

	assert.Equal(t, 0, m.Pump(), "no slot free")

	center := tilemap.ChunkCoord{}
	deliverFragments(t, m, quadrantFragments(center), []int{0, 1, 2, 3})
	assert.Equal(t, 5, link.total(), "delivery frees one slot")
	assert.Equal(t, 4, m.Stats().Pending)
}

func TestPumpRateLimited(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.MaxInFlight = 10
	cfg.RequestInterval = time.Hour
	m, link, _, _ := newTestManager(t, cfg)

	m.BeginLoading(tilemap.ChunkCoord{})
	assert.Equal(t, 1, link.total())
	assert.Equal(t, 0, m.Pump())
	assert.Equal(t, 1, link.total())
}

func TestPumpSkipsResidentAndPending(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.LoadRadius = 0
	m, link, _, _ := newTestManager(t, cfg)
	coord := tilemap.ChunkCoord{X: 3, Y: 3}

	require.NoError(t, m.RequestChunk(coord))
	m.Enqueue(coord)
	assert.False(t, m.IsQueued(coord))
	m.Pump()
	assert.Equal(t, 1, link.sentCount(coord))
}

func TestPumpIdleWhenUnauthenticated(t *testing.T) {
	m, link, _, _ := newTestManager(t, testStreamingConfig())
	link.setAuthed(false)

	m.Enqueue(tilemap.ChunkCoord{X: 1}, tilemap.ChunkCoord{X: 2})
	assert.Equal(t, 0, m.Pump())
	assert.Equal(t, 2, m.Stats().Queued)
}

func TestLoadingCompletes(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.LoadRadius = 0
	loaded := 0
	m, _, _, _ := newTestManager(t, cfg, WithLoadedHook(func() { loaded++ }))

	center := tilemap.ChunkCoord{X: 1, Y: 1}
	m.BeginLoading(center)
	assert.True(t, m.Loading())

	deliverFragments(t, m, quadrantFragments(center), []int{3, 2, 1, 0})
	assert.False(t, m.Loading())
	assert.Equal(t, 1, loaded)
}

func TestResetRequeuesPending(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.LoadRadius = 0
	m, link, _, _ := newTestManager(t, cfg)

	coords := []tilemap.ChunkCoord{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 2, Y: 1}}
	for _, c := range coords {
		require.NoError(t, m.RequestChunk(c))
	}
	require.NoError(t, m.HandleFragment(quadrantFragments(coords[0])[0]))

	link.setAuthed(false)
	m.Reset()
	for _, c := range coords {
		assert.False(t, m.IsPending(c))
		assert.True(t, m.IsQueued(c))
	}
	assert.Equal(t, 0, m.Stats().Assembling)

	link.setAuthed(true)
	m.BeginLoading(tilemap.ChunkCoord{})
	for _, c := range coords {
		assert.True(t, m.IsPending(c), "chunk %v should be re-requested", c)
		assert.Equal(t, 2, link.sentCount(c))
	}
}

func TestRequestTimeoutRetries(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.MaxChunkRetries = 1
	m, link, _, clock := newTestManager(t, cfg)
	coord := tilemap.ChunkCoord{X: 5, Y: 5}
	logs := captureLog(t)

	require.NoError(t, m.RequestChunk(coord))

	clock.Advance(4 * time.Second)
	m.CheckProgress()
	assert.Equal(t, 1, link.sentCount(coord))

	clock.Advance(2 * time.Second)
	m.CheckProgress()
	assert.Equal(t, 2, link.sentCount(coord), "timed out request is retried")
	assert.True(t, m.IsPending(coord))

	clock.Advance(6 * time.Second)
	m.CheckProgress()
	assert.Equal(t, 2, link.sentCount(coord), "retries exhausted")
	assert.False(t, m.IsPending(coord))
	assert.Contains(t, logs.String(), "[Stream] Warning: Chunk")
}

// captureLog redirects the standard logger for the rest of the test
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestForcedRescanRequestsMissing(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.LoadRadius = 1
	cfg.MaxInFlight = 2
	cfg.RequestTimeout = time.Hour
	m, link, _, clock := newTestManager(t, cfg)

	m.BeginLoading(tilemap.ChunkCoord{})
	require.Equal(t, 2, link.total())

	clock.Advance(5 * time.Second)
	m.CheckProgress()
	assert.Equal(t, 2, link.total(), "no rescan before the load timeout")

	clock.Advance(6 * time.Second)
	m.CheckProgress()
	assert.Equal(t, 2+9, link.total())
	for _, c := range ComputeChunkWindow(tilemap.ChunkCoord{}, 1) {
		assert.True(t, m.IsPending(c))
	}
}

func TestAssemblyTimeoutDiscardsPartial(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.RequestTimeout = time.Hour
	cfg.LoadTimeout = time.Hour
	m, _, _, clock := newTestManager(t, cfg)
	coord := tilemap.ChunkCoord{X: 1, Y: 2}

	require.NoError(t, m.RequestChunk(coord))
	require.NoError(t, m.HandleFragment(quadrantFragments(coord)[0]))
	require.Equal(t, 1, m.Stats().Assembling)

	clock.Advance(16 * time.Second)
	m.CheckProgress()
	assert.Equal(t, 0, m.Stats().Assembling)
	assert.True(t, m.IsPending(coord))
}

func TestUpdateCenterUnloadsFarChunks(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.LoadRadius = 0
	cfg.UnloadMargin = 0
	m, link, sink, _ := newTestManager(t, cfg)

	origin := tilemap.ChunkCoord{}
	m.BeginLoading(origin)
	deliverFragments(t, m, quadrantFragments(origin), []int{0, 1, 2, 3})
	require.True(t, m.IsResident(origin))

	next := tilemap.ChunkCoord{X: 2, Y: 0}
	m.UpdateCenter(next)
	assert.Equal(t, []tilemap.ChunkCoord{origin}, sink.unloaded)
	assert.False(t, m.IsResident(origin))
	assert.Equal(t, 1, link.sentCount(next))
}

func TestUpdateCenterKeepsMargin(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.LoadRadius = 0
	cfg.UnloadMargin = 1
	m, _, sink, _ := newTestManager(t, cfg)

	origin := tilemap.ChunkCoord{}
	m.BeginLoading(origin)
	deliverFragments(t, m, quadrantFragments(origin), []int{0, 1, 2, 3})

	m.UpdateCenter(tilemap.ChunkCoord{X: 1})
	assert.Empty(t, sink.unloaded)
	assert.True(t, m.IsResident(origin))
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/earthring/netclient/internal/auth"
	"github.com/earthring/netclient/internal/config"
	"github.com/earthring/netclient/internal/correlation"
	"github.com/earthring/netclient/internal/entities"
	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/streaming"
	"github.com/earthring/netclient/internal/tilemap"
	"github.com/earthring/netclient/internal/transport"
)

var (
	// ErrNotAuthenticated is returned by operations that need an authenticated session
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrNotConnected is returned when there is no open transport
	ErrNotConnected = errors.New("session is not connected")
	// ErrNoCredentials is reported when a connection opens with nothing to log in with
	ErrNoCredentials = errors.New("no credentials available for login")
	// ErrAlreadyAuthenticated is returned by Login or Register on an authenticated session
	ErrAlreadyAuthenticated = errors.New("session is already authenticated")
	// ErrLoginRejected is reported when the server refuses a login
	ErrLoginRejected = errors.New("login rejected")
	// ErrReconnectFailed is reported when the reconnect attempt ceiling is reached
	ErrReconnectFailed = errors.New("failed to reconnect")
	// ErrDisposed is returned after Dispose
	ErrDisposed = errors.New("session has been disposed")
	// ErrFetchTimeout is returned when entity data does not arrive in time
	ErrFetchTimeout = errors.New("entity data fetch timed out")
	// ErrChatRateLimited is returned when chat is sent faster than allowed
	ErrChatRateLimited = errors.New("chat rate limit exceeded")
)

const (
	inboundQueueSize = 256
	farewellTimeout  = time.Second
)

// Transport is an open connection to the server. Inbound must be closed
// when the connection ends; Err then reports why.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	Inbound() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a new transport
type Dialer func(ctx context.Context) (Transport, error)

// WebSocketDialer dials the server with the websocket transport
func WebSocketDialer(opts transport.Options) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, err := transport.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// World is the game-side collaborator. It receives chunks and creatures,
// is bootstrapped on login and reports where the local player stands.
type World interface {
	streaming.ChunkSink
	entities.CreatureSink
	Bootstrap(info protocol.WorldInfo)
	PlayerTile() tilemap.TilePos
}

// Handlers are optional callbacks. They may run on any session goroutine
// and must not call Dispose.
type Handlers struct {
	OnStateChange func(state State)
	OnChat        func(msg protocol.ChatMessage)
	OnError       func(err error)
	OnLoaded      func()
}

// Stats is a point-in-time view of the session for health reporting
type Stats struct {
	State             string          `json:"state"`
	Username          string          `json:"username,omitempty"`
	Streaming         streaming.Stats `json:"streaming"`
	Players           int             `json:"players"`
	Creatures         int             `json:"creatures"`
	Buffered          int             `json:"buffered"`
	BufferDropped     int64           `json:"buffer_dropped"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LatencyMs         int64           `json:"latency_ms"`
	PendingRequests   int             `json:"pending_requests"`
}

// Session owns the connection to the authoritative server and every
// piece of client-side sync state hanging off it
type Session struct {
	cfg      *config.Config
	dialer   Dialer
	world    World
	handlers Handlers
	profiler *performance.Profiler

	streaming   *streaming.Manager
	tracker     *entities.Tracker
	cache       *correlation.Cache[uuid.UUID, json.RawMessage]
	reconnector *Reconnector
	buffer      *Buffer
	chatLimiter *limiter.Limiter
	afterFunc   AfterFunc

	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan inboundMsg
	wg      sync.WaitGroup

	seq       atomic.Uint64
	latencyMs atomic.Int64

	tickMu   sync.Mutex
	lastPing time.Time

	// mu guards every connection state write
	mu             sync.Mutex
	state          State
	gen            uint64
	transport      Transport
	disconnectedAt time.Time
	creds          *protocol.Credentials
	registration   *registration
	loginListener  AuthListener
	loginSentAt    time.Time
	username       string
	token          auth.SessionInfo
	autoReconnect  bool
	suppressed     bool
	disposing      bool
}

// Option configures a Session
type Option func(*Session)

// WithProfiler records connection and request timings
func WithProfiler(p *performance.Profiler) Option {
	return func(s *Session) { s.profiler = p }
}

// WithHandlers installs event callbacks
func WithHandlers(h Handlers) Option {
	return func(s *Session) { s.handlers = h }
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Session) { s.afterFunc = fn }
}

// New creates a disconnected session. Credentials from cfg.Auth, if any,
// are used for the first login.
func New(cfg *config.Config, dialer Dialer, world World, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:            cfg,
		dialer:         dialer,
		world:          world,
		afterFunc:      realAfterFunc,
		ctx:            ctx,
		cancel:         cancel,
		inbound:        make(chan inboundMsg, inboundQueueSize),
		buffer:         NewBuffer(cfg.Buffer.PreAuthCapacity),
		state:          Disconnected,
		disconnectedAt: time.Now(),
		autoReconnect:  cfg.Reconnect.AutoReconnect,
		// nothing to recover until the first Connect
		suppressed: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.streaming = streaming.NewManager(cfg.Streaming, chunkLink{s}, world,
		streaming.WithProfiler(s.profiler),
		streaming.WithLoadedHook(s.chunksLoaded),
	)
	s.tracker = entities.NewTracker(cfg.Entities.InterpolationRate, world)
	s.cache = correlation.New[uuid.UUID, json.RawMessage](cfg.Cache.TTL, cfg.Cache.MaxEntries)
	s.reconnector = NewReconnector(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxAttempts, s.reconnectAttempt, s.reconnectExhausted)
	s.reconnector.afterFunc = s.afterFunc
	s.chatLimiter = limiter.New(memory.NewStore(), limiter.Rate{Period: chatWindow, Limit: chatBurst})

	if cfg.Auth.HasCredentials() {
		s.creds = &protocol.Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password}
	}

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.watchdog()
	return s
}

// Connect opens a connection unless one is already connecting or open.
// Login follows automatically once the transport is up. ctx bounds only
// the call, the dial itself runs under the handshake timeout.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.reconnector.Cancel()
	s.reconnector.Rearm()

	s.mu.Lock()
	s.suppressed = false
	s.mu.Unlock()
	return s.connect()
}

func (s *Session) connect() error {
	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil
	}
	stale := s.transport
	s.transport = nil
	s.gen++
	gen := s.gen
	s.setStateLocked(Connecting)
	s.wg.Add(1)
	s.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	log.Printf("[Session] Connecting to %s", s.cfg.Server.URL)
	s.emitState(Connecting)
	go s.dial(gen)
	return nil
}

func (s *Session) dial(gen uint64) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Server.HandshakeTimeout)
	op := s.profiler.Start(performance.MetricConnectDial)
	t, err := s.dialer(ctx)
	op.End()
	cancel()

	s.mu.Lock()
	if s.disposing || gen != s.gen {
		s.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		s.setStateLocked(Disconnected)
		retry := s.canReconnectLocked()
		s.mu.Unlock()

		log.Printf("[Session] Failed to connect: %v", err)
		s.emitState(Disconnected)
		if retry {
			s.reconnector.Schedule()
		}
		return
	}

	s.transport = t
	s.setStateLocked(Connected)
	reg := s.registration
	creds := s.creds
	s.wg.Add(1)
	s.mu.Unlock()

	go s.forward(gen, t)
	log.Printf("[Session] Connected to %s", s.cfg.Server.URL)
	s.emitState(Connected)

	switch {
	case reg != nil:
		if err := s.sendRegister(reg.creds); err != nil {
			log.Printf("[Session] Failed to send registration: %v", err)
		}
	case creds != nil:
		if err := s.sendLogin(*creds); err != nil {
			log.Printf("[Session] Failed to send login: %v", err)
		}
	default:
		log.Printf("[Session] Warning: connected without credentials, closing")
		s.dropConnection(gen, "no credentials", false)
		s.emitError(ErrNoCredentials)
	}
}

// forward decodes frames from one transport onto the shared inbound queue
func (s *Session) forward(gen uint64, t Transport) {
	defer s.wg.Done()
	for raw := range t.Inbound() {
		env, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("[Session] Dropping malformed message: %v", err)
			continue
		}
		if !s.enqueue(inboundMsg{gen: gen, env: env}) {
			return
		}
	}
	s.enqueue(inboundMsg{gen: gen, closed: true, err: t.Err()})
}

func (s *Session) enqueue(msg inboundMsg) bool {
	select {
	case s.inbound <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Disconnect closes the connection and disables automatic reconnection
// until the next Connect, Login or Register
func (s *Session) Disconnect(reason string) {
	s.reconnector.Cancel()

	s.mu.Lock()
	s.suppressed = true
	gen := s.gen
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		s.farewell(t, reason)
	}
	s.dropConnection(gen, reason, false)
}

// dropConnection moves the connection for gen to Disconnected, clears
// per-connection sync state and hands over to the reconnector when allowed.
// Calls for a superseded generation are ignored.
func (s *Session) dropConnection(gen uint64, reason string, allowRetry bool) {
	s.mu.Lock()
	if gen != s.gen || s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	s.gen++
	wasAuthenticated := s.state == Authenticated
	s.setStateLocked(Disconnected)
	retry := allowRetry && s.canReconnectLocked()
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	s.streaming.Reset()
	s.tracker.Clear()
	if n := s.buffer.Clear(); n > 0 {
		log.Printf("[Session] Discarded %d buffered messages", n)
	}
	s.cache.CancelAll()

	log.Printf("[Session] Disconnected: %s", reason)
	s.emitState(Disconnected)
	if wasAuthenticated {
		s.notice(fmt.Sprintf("Disconnected from server: %s", reason))
	}
	if retry {
		s.reconnector.Schedule()
	}
}

// Dispose tears the session down. Scheduled reconnects are cancelled, the
// server is told the client is leaving and every goroutine is stopped.
// It is safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return
	}
	s.disposing = true
	t := s.transport
	s.transport = nil
	s.gen++
	wasDisconnected := s.state == Disconnected
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	s.reconnector.Close()
	if t != nil {
		s.farewell(t, "client closed")
		t.Close()
	}
	s.cache.Close()
	s.cancel()
	s.wg.Wait()
	s.buffer.Clear()

	if !wasDisconnected {
		s.emitState(Disconnected)
	}
	log.Printf("[Session] Disposed")
}

// farewell tells the server the client is leaving. Failures are ignored.
func (s *Session) farewell(t Transport, reason string) {
	raw, err := protocol.Encode(s.envelope(protocol.KindForceDisconnect, ""), protocol.ForceDisconnect{Reason: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), farewellTimeout)
	defer cancel()
	_ = t.Send(ctx, raw)
}

// send encodes and queues one message on the current transport. A transport
// error closes the connection, which the forwarder then reports.
func (s *Session) send(kind protocol.Kind, id string, payload interface{}) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	raw, err := protocol.Encode(s.envelope(kind, id), payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Server.SendTimeout)
	defer cancel()
	if err := t.Send(ctx, raw); err != nil {
		if s.ctx.Err() == nil {
			log.Printf("[Session] Failed to send %s, closing connection: %v", kind, err)
			t.Close()
		}
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

func (s *Session) envelope(kind protocol.Kind, id string) protocol.Envelope {
	return protocol.Envelope{
		Type:      kind,
		ID:        id,
		Seq:       s.seq.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	if state == Disconnected {
		s.disconnectedAt = time.Now()
	}
}

func (s *Session) canReconnectLocked() bool {
	return s.autoReconnect && !s.suppressed && !s.disposing &&
		(s.creds != nil || s.registration != nil)
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether a transport is open
func (s *Session) IsConnected() bool {
	return s.State() >= Connected
}

// IsAuthenticated reports whether the server has accepted a login
func (s *Session) IsAuthenticated() bool {
	return s.State() == Authenticated
}

// Username returns the authoritative username of the last login
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// SessionInfo returns the claims of the session token issued at login
func (s *Session) SessionInfo() auth.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetAutoReconnect enables or disables automatic recovery. Disabling it
// cancels a scheduled attempt.
func (s *Session) SetAutoReconnect(enabled bool) {
	s.mu.Lock()
	s.autoReconnect = enabled
	s.mu.Unlock()
	if !enabled {
		s.reconnector.Cancel()
	}
}

// Streaming exposes the chunk streaming manager
func (s *Session) Streaming() *streaming.Manager {
	return s.streaming
}

// Entities exposes the remote entity tracker
func (s *Session) Entities() *entities.Tracker {
	return s.tracker
}

// Stats returns a snapshot for health reporting
func (s *Session) Stats() Stats {
	players, creatures := s.tracker.Len()
	s.mu.Lock()
	state := s.state
	username := s.username
	s.mu.Unlock()

	return Stats{
		State:             state.String(),
		Username:          username,
		Streaming:         s.streaming.Stats(),
		Players:           players,
		Creatures:         creatures,
		Buffered:          s.buffer.Len(),
		BufferDropped:     s.buffer.Dropped(),
		ReconnectAttempts: s.reconnector.Attempts(),
		LatencyMs:         s.latencyMs.Load(),
		PendingRequests:   s.cache.PendingLen(),
	}
}

func (s *Session) watchdog() {
	defer s.wg.Done()
	check := time.NewTicker(s.cfg.Reconnect.WatchdogInterval)
	defer check.Stop()
	sweep := time.NewTicker(s.cfg.Cache.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-check.C:
			s.checkConnection(now)
		case <-sweep.C:
			s.cache.Sweep()
			s.tracker.Prune(s.cfg.Entities.StaleTTL)
		}
	}
}

// checkConnection reconnects when the session has sat disconnected for a
// full watchdog interval with no backoff scheduled. A failed attempt goes
// through the backoff path, so the attempt ceiling still applies.
func (s *Session) checkConnection(now time.Time) {
	s.mu.Lock()
	idle := s.state == Disconnected && now.Sub(s.disconnectedAt) >= s.cfg.Reconnect.WatchdogInterval
	retry := idle && s.canReconnectLocked()
	s.mu.Unlock()

	if !retry || s.reconnector.Pending() || s.reconnector.Exhausted() {
		return
	}
	log.Printf("[Reconnect] Watchdog found session disconnected, reconnecting")
	s.profiler.Incr(performance.MetricReconnects, 1)
	if err := s.connect(); err != nil && !errors.Is(err, ErrDisposed) {
		log.Printf("[Reconnect] Watchdog reconnect failed to start: %v", err)
	}
}

func (s *Session) reconnectAttempt(attempt int) {
	s.profiler.Incr(performance.MetricReconnects, 1)
	s.notice(fmt.Sprintf("Reconnecting (attempt %d of %d)...", attempt, s.cfg.Reconnect.MaxAttempts))
	if err := s.connect(); err != nil && !errors.Is(err, ErrDisposed) {
		log.Printf("[Reconnect] Attempt %d failed to start: %v", attempt, err)
	}
}

func (s *Session) reconnectExhausted(attempts int) {
	s.notice(fmt.Sprintf("Failed to reconnect after %d attempts", attempts))
	s.emitError(fmt.Errorf("%w after %d attempts", ErrReconnectFailed, attempts))
}

func (s *Session) chunksLoaded() {
	log.Printf("[Session] Initial chunk window loaded")
	if s.handlers.OnLoaded != nil {
		s.handlers.OnLoaded()
	}
}

func (s *Session) emitState(state State) {
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(state)
	}
}

func (s *Session) emitError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

// chunkLink lets the streaming manager issue requests over the session
type chunkLink struct {
	s *Session
}

func (l chunkLink) Authenticated() bool {
	return l.s.IsAuthenticated()
}

func (l chunkLink) RequestChunk(coord tilemap.ChunkCoord) error {
	return l.s.send(protocol.KindChunkRequest, "", protocol.ChunkRequest{ChunkX: coord.X, ChunkY: coord.Y})
}

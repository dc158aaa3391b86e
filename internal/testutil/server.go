package testutil

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/earthring/netclient/internal/auth"
	"github.com/earthring/netclient/internal/compression"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

const (
	// FragmentSize is the edge length of the square fragments the server sends
	FragmentSize = tilemap.ChunkSize / 2

	// FragmentsPerChunk is the number of fragments one chunk is split into
	FragmentsPerChunk = (tilemap.ChunkSize / FragmentSize) * (tilemap.ChunkSize / FragmentSize)

	// DefaultBiome is carried by every chunk the server generates
	DefaultBiome = "grassland"

	// Server-side ping interval
	pingInterval = 30 * time.Second

	// Pong wait timeout
	pongWait = 60 * time.Second

	// Write timeout
	writeTimeout = 10 * time.Second

	sendBuffer = 1024
)

// ChunkScript controls how the server answers requests for one chunk
type ChunkScript struct {
	// Order is the fragment send order. Nil sends 0..FragmentsPerChunk-1.
	Order []int
	// Withhold lists fragment indices that are never sent
	Withhold []int
	// Duplicate sends every fragment and the completion twice
	Duplicate bool
	// Whole sends one compressed chunk_data message instead of fragments
	Whole bool
	// Hold records the request without answering it
	Hold bool
}

// Server is an in-process game server speaking the client protocol over a
// real websocket. Tests script chunk delivery and inject failures through it.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader
	hub        *hub
	accounts   *auth.AccountStore
	tokens     *auth.TokenIssuer
	world      protocol.WorldInfo

	mu        sync.Mutex
	refuse    bool
	accepted  int
	scripts   map[tilemap.ChunkCoord]ChunkScript
	requests  map[tilemap.ChunkCoord]int
	data      map[string]json.RawMessage
	dataReads int
	creatures map[string]protocol.EntitySpawn
	joinSeq   map[string]uint64
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithWorld sets the world info returned on login
func WithWorld(info protocol.WorldInfo) ServerOption {
	return func(s *Server) { s.world = info }
}

// WithAccount registers an account before the server starts
func WithAccount(username, password string) ServerOption {
	return func(s *Server) {
		if _, err := s.accounts.Register(username, password); err != nil {
			log.Printf("[TestServer] Warning: Failed to seed account %s: %v", username, err)
		}
	}
}

// NewServer starts a server and closes it when the test ends
func NewServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	s := &Server{
		hub:       newHub(),
		accounts:  auth.NewAccountStore(auth.NewPasswordService(4)),
		tokens:    auth.NewTokenIssuer("test-secret-"+RandomString(16), time.Hour),
		world:     protocol.WorldInfo{Seed: 1, DayLengthMins: 20},
		scripts:   make(map[tilemap.ChunkCoord]ChunkScript),
		requests:  make(map[tilemap.ChunkCoord]int),
		data:      make(map[string]json.RawMessage),
		creatures: make(map[string]protocol.EntitySpawn),
		joinSeq:   make(map[string]uint64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.hub.run()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// URL returns the websocket endpoint
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws"
}

// Close drops every connection and stops the server
func (s *Server) Close() {
	s.hub.stop()
	s.httpServer.Close()
}

// SetScript sets how requests for coord are answered
func (s *Server) SetScript(coord tilemap.ChunkCoord, script ChunkScript) {
	s.mu.Lock()
	s.scripts[coord] = script
	s.mu.Unlock()
}

// SetData stores an entity's persisted state
func (s *Server) SetData(entityID string, data json.RawMessage) {
	s.mu.Lock()
	s.data[entityID] = data
	s.mu.Unlock()
}

// Data returns an entity's persisted state
func (s *Server) Data(entityID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[entityID]
	return data, ok
}

// Refuse makes new websocket upgrades fail while set
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// ChunkRequests returns how many times coord was requested
func (s *Server) ChunkRequests(coord tilemap.ChunkCoord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[coord]
}

// TotalChunkRequests returns the number of chunk requests received
func (s *Server) TotalChunkRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.requests {
		total += n
	}
	return total
}

// DataReads returns the number of get_data requests received
func (s *Server) DataReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataReads
}

// Accepted returns the number of upgraded connections so far
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Online returns the number of open connections
func (s *Server) Online() int {
	return s.hub.len()
}

// DropConnections closes every connection without a goodbye
func (s *Server) DropConnections() {
	for _, c := range s.hub.snapshot() {
		c.close()
	}
}

// Kick sends a kick to username and closes its connection
func (s *Server) Kick(username, reason string) {
	for _, c := range s.hub.snapshot() {
		if c.user() == username {
			c.sendMessage(protocol.KindForceDisconnect, "", protocol.ForceDisconnect{Reason: reason, Kicked: true})
			c.closeAfterFlush()
		}
	}
}

// Shutdown announces a shutdown to every client and closes the connections
func (s *Server) Shutdown(reason string) {
	for _, c := range s.hub.snapshot() {
		c.sendMessage(protocol.KindServerShutdown, "", protocol.ServerShutdown{Reason: reason})
		c.closeAfterFlush()
	}
}

// SpawnCreature announces a creature to every authenticated client
func (s *Server) SpawnCreature(spawn protocol.EntitySpawn) {
	s.mu.Lock()
	s.creatures[spawn.ID] = spawn
	s.mu.Unlock()
	s.broadcast(nil, protocol.KindEntitySpawn, spawn)
}

// UpdateCreature broadcasts a creature update, known or not
func (s *Server) UpdateCreature(update protocol.EntityUpdate) {
	s.broadcast(nil, protocol.KindEntityUpdate, update)
}

// TileAt is the tile the server generates at a local position of coord
func TileAt(coord tilemap.ChunkCoord, localX, localY int) int32 {
	return int32((coord.X*7919 + coord.Y*104729 + localY*tilemap.ChunkSize + localX) & 0x7fff)
}

// ChunkTiles returns the full row-major tile buffer generated for coord
func ChunkTiles(coord tilemap.ChunkCoord) []int32 {
	tiles := make([]int32, tilemap.ChunkTiles)
	for y := 0; y < tilemap.ChunkSize; y++ {
		for x := 0; x < tilemap.ChunkSize; x++ {
			tiles[y*tilemap.ChunkSize+x] = TileAt(coord, x, y)
		}
	}
	return tiles
}

// handleWebSocket handles WebSocket connection upgrades
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	requested := r.Header.Get("Sec-WebSocket-Protocol")
	selected := negotiateVersion(requested)
	if selected == "" {
		log.Printf("[TestServer] Version negotiation failed: requested=%s", requested)
		http.Error(w, "Unsupported protocol version", http.StatusBadRequest)
		return
	}
	responseHeaders := http.Header{}
	responseHeaders.Set("Sec-WebSocket-Protocol", selected)

	conn, err := s.upgrader.Upgrade(w, r, responseHeaders)
	if err != nil {
		log.Printf("[TestServer] Upgrade failed: %v", err)
		return
	}

	c := &serverConn{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()

	go c.writePump()
	go s.readPump(c)
}

// negotiateVersion selects the highest supported protocol version
func negotiateVersion(requested string) string {
	if requested == "" {
		return protocol.Version1
	}
	for _, v := range strings.Split(requested, ",") {
		if strings.TrimSpace(v) == protocol.Version1 {
			return protocol.Version1
		}
	}
	return ""
}

// readPump handles incoming messages from one connection
func (s *Server) readPump(c *serverConn) {
	defer func() {
		s.hub.remove(c)
		c.close()
		if name := c.user(); name != "" {
			s.broadcast(c, protocol.KindPlayerLeft, protocol.PlayerLeft{Username: name, Seq: s.nextSeq(name)})
		}
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[TestServer] Read error: %v", err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		// clients batch queued messages into one newline-separated frame
		for _, message := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(message)) == 0 {
				continue
			}
			env, err := protocol.Decode(message)
			if err != nil {
				c.sendError("", "Invalid message format", "InvalidMessageFormat")
				continue
			}
			s.handleMessage(c, env)
		}
	}
}

func (s *Server) handleMessage(c *serverConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindLoginRequest:
		s.handleLogin(c, env)
		return
	case protocol.KindRegisterRequest:
		s.handleRegister(c, env)
		return
	case protocol.KindPing:
		var ping protocol.Ping
		_ = env.Unmarshal(&ping)
		c.sendMessage(protocol.KindPong, env.ID, protocol.Pong{SentAt: ping.SentAt})
		return
	case protocol.KindForceDisconnect:
		log.Printf("[TestServer] Client %q said goodbye", c.user())
		c.close()
		return
	}

	if c.user() == "" {
		c.sendError(env.ID, "Authentication required", "Unauthorized")
		return
	}

	switch env.Type {
	case protocol.KindChunkRequest:
		var req protocol.ChunkRequest
		if err := env.Unmarshal(&req); err != nil {
			c.sendError(env.ID, err.Error(), "InvalidRequest")
			return
		}
		s.handleChunkRequest(c, req.Coord())
	case protocol.KindGetDataRequest:
		s.handleGetData(c, env)
	case protocol.KindSaveDataRequest:
		s.handleSaveData(c, env)
	case protocol.KindEntitySpawnRequest:
		var req protocol.EntitySpawnRequest
		if err := env.Unmarshal(&req); err != nil {
			return
		}
		s.mu.Lock()
		spawn, ok := s.creatures[req.ID]
		s.mu.Unlock()
		if ok {
			c.sendMessage(protocol.KindEntitySpawn, "", spawn)
		}
	case protocol.KindChatMessage:
		var msg protocol.ChatMessage
		if err := env.Unmarshal(&msg); err != nil {
			return
		}
		msg.Sender = c.user()
		msg.Type = protocol.ChatNormal
		msg.Timestamp = time.Now().UnixMilli()
		s.broadcast(nil, protocol.KindChatMessage, msg)
	case protocol.KindPlayerUpdate:
		var update protocol.PlayerUpdate
		if err := env.Unmarshal(&update); err != nil {
			return
		}
		update.Username = c.user()
		s.broadcast(c, protocol.KindPlayerUpdate, update)
	default:
		c.sendError(env.ID, "Unknown message type: "+string(env.Type), "UnknownMessageType")
	}
}

func (s *Server) handleLogin(c *serverConn, env protocol.Envelope) {
	var req protocol.LoginRequest
	if err := env.Unmarshal(&req); err != nil {
		c.sendMessage(protocol.KindLoginResponse, env.ID, protocol.LoginResponse{Message: "Invalid login request"})
		return
	}
	account, err := s.accounts.Authenticate(req.Username, req.Password)
	if err != nil {
		log.Printf("[TestServer] Login failed for %s: %v", req.Username, err)
		c.sendMessage(protocol.KindLoginResponse, env.ID, protocol.LoginResponse{Message: "Invalid username or password"})
		return
	}
	token, err := s.tokens.Issue(account.Username)
	if err != nil {
		c.sendError(env.ID, "Failed to issue token", "InternalError")
		return
	}

	c.setUser(account.Username)
	c.sendMessage(protocol.KindLoginResponse, env.ID, protocol.LoginResponse{
		Success:  true,
		Username: account.Username,
		Token:    token,
		World:    s.world,
	})
	s.broadcast(c, protocol.KindPlayerJoined, protocol.PlayerJoined{
		Username: account.Username,
		X:        s.world.SpawnX,
		Y:        s.world.SpawnY,
		Seq:      s.nextSeq(account.Username),
	})
	log.Printf("[TestServer] %s logged in", account.Username)
}

func (s *Server) handleRegister(c *serverConn, env protocol.Envelope) {
	var req protocol.RegisterRequest
	if err := env.Unmarshal(&req); err != nil {
		c.sendMessage(protocol.KindRegisterResponse, env.ID, protocol.RegisterResponse{Message: "Invalid registration request"})
		return
	}
	account, err := s.accounts.Register(req.Username, req.Password)
	if err != nil {
		c.sendMessage(protocol.KindRegisterResponse, env.ID, protocol.RegisterResponse{Message: err.Error()})
		return
	}
	c.sendMessage(protocol.KindRegisterResponse, env.ID, protocol.RegisterResponse{
		Success:  true,
		Username: account.Username,
	})
}

func (s *Server) handleChunkRequest(c *serverConn, coord tilemap.ChunkCoord) {
	s.mu.Lock()
	s.requests[coord]++
	script := s.scripts[coord]
	s.mu.Unlock()

	if script.Hold {
		return
	}
	if script.Whole {
		tiles := ChunkTiles(coord)
		compressed, err := compression.CompressTiles(tiles)
		if err != nil {
			c.sendError("", "Failed to compress chunk", "InternalError")
			return
		}
		payload := compression.FormatCompressedTiles(compressed, len(tiles)*4)
		c.sendMessage(protocol.KindChunkData, "", protocol.ChunkData{
			ChunkX:  coord.X,
			ChunkY:  coord.Y,
			Biome:   DefaultBiome,
			Format:  payload.Format,
			Payload: payload.Data,
		})
		return
	}

	order := script.Order
	if order == nil {
		order = make([]int, FragmentsPerChunk)
		for i := range order {
			order[i] = i
		}
	}
	withheld := make(map[int]bool, len(script.Withhold))
	for _, i := range script.Withhold {
		withheld[i] = true
	}
	repeat := 1
	if script.Duplicate {
		repeat = 2
	}

	for _, i := range order {
		if withheld[i] {
			continue
		}
		frag := Fragment(coord, i)
		for n := 0; n < repeat; n++ {
			c.sendMessage(protocol.KindChunkFragment, "", frag)
		}
	}
	for n := 0; n < repeat; n++ {
		c.sendMessage(protocol.KindChunkComplete, "", protocol.ChunkComplete{ChunkX: coord.X, ChunkY: coord.Y})
	}
}

// Fragment builds fragment index of coord from the generated tiles
func Fragment(coord tilemap.ChunkCoord, index int) protocol.ChunkFragment {
	perRow := tilemap.ChunkSize / FragmentSize
	startX := (index % perRow) * FragmentSize
	startY := (index / perRow) * FragmentSize

	tiles := make([][]int32, FragmentSize)
	for dy := range tiles {
		tiles[dy] = make([]int32, FragmentSize)
		for dx := range tiles[dy] {
			tiles[dy][dx] = TileAt(coord, startX+dx, startY+dy)
		}
	}
	return protocol.ChunkFragment{
		ChunkX:         coord.X,
		ChunkY:         coord.Y,
		StartX:         startX,
		StartY:         startY,
		Size:           FragmentSize,
		Tiles:          tiles,
		Biome:          DefaultBiome,
		FragmentIndex:  index,
		TotalFragments: FragmentsPerChunk,
	}
}

func (s *Server) handleGetData(c *serverConn, env protocol.Envelope) {
	var req protocol.GetDataRequest
	if err := env.Unmarshal(&req); err != nil {
		c.sendError(env.ID, err.Error(), "InvalidRequest")
		return
	}
	s.mu.Lock()
	s.dataReads++
	data, ok := s.data[req.EntityID]
	s.mu.Unlock()

	resp := protocol.GetDataResponse{EntityID: req.EntityID, Success: ok, Data: data}
	if !ok {
		resp.Message = "entity not found"
	}
	c.sendMessage(protocol.KindGetDataResponse, env.ID, resp)
}

func (s *Server) handleSaveData(c *serverConn, env protocol.Envelope) {
	var req protocol.SaveDataRequest
	if err := env.Unmarshal(&req); err != nil {
		c.sendError(env.ID, err.Error(), "InvalidRequest")
		return
	}
	s.SetData(req.EntityID, req.Data)
	c.sendMessage(protocol.KindSaveDataResponse, env.ID, protocol.SaveDataResponse{EntityID: req.EntityID, Success: true})
}

// broadcast sends to every authenticated connection except skip
func (s *Server) broadcast(skip *serverConn, kind protocol.Kind, payload interface{}) {
	for _, c := range s.hub.snapshot() {
		if c != skip && c.user() != "" {
			c.sendMessage(kind, "", payload)
		}
	}
}

func (s *Server) nextSeq(username string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinSeq[username]++
	return s.joinSeq[username]
}

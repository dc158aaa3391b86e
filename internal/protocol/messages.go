package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/earthring/netclient/internal/tilemap"
)

// Version1 is the websocket subprotocol spoken by the client
const Version1 = "earthring-v1"

// Kind is a message type tag
type Kind string

const (
	KindLoginRequest       Kind = "login_request"
	KindLoginResponse      Kind = "login_response"
	KindRegisterRequest    Kind = "register_request"
	KindRegisterResponse   Kind = "register_response"
	KindChunkRequest       Kind = "chunk_request"
	KindChunkFragment      Kind = "chunk_fragment"
	KindChunkComplete      Kind = "chunk_complete"
	KindChunkData          Kind = "chunk_data"
	KindPlayerUpdate       Kind = "player_update"
	KindPlayerPosition     Kind = "player_position"
	KindPlayerJoined       Kind = "player_joined"
	KindPlayerLeft         Kind = "player_left"
	KindPlayerList         Kind = "player_list"
	KindEntitySpawn        Kind = "entity_spawn"
	KindEntityDespawn      Kind = "entity_despawn"
	KindEntityUpdate       Kind = "entity_update"
	KindEntityBatchUpdate  Kind = "entity_batch_update"
	KindEntitySpawnRequest Kind = "entity_spawn_request"
	KindForceDisconnect    Kind = "force_disconnect"
	KindServerShutdown     Kind = "server_shutdown"
	KindChatMessage        Kind = "chat_message"
	KindPing               Kind = "ping"
	KindPong               Kind = "pong"
	KindGetDataRequest     Kind = "get_data_request"
	KindGetDataResponse    Kind = "get_data_response"
	KindSaveDataRequest    Kind = "save_data_request"
	KindSaveDataResponse   Kind = "save_data_response"
	KindError              Kind = "error"
)

// Envelope is the outer frame of every message on the wire
type Envelope struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Credentials carries a username and password for login or registration
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=1,max=128"`
}

// LoginRequest asks the server to authenticate the connection
type LoginRequest struct {
	Credentials
}

// RegisterRequest asks the server to create an account
type RegisterRequest struct {
	Credentials
}

// WorldInfo is the world bootstrap data carried by a successful login
type WorldInfo struct {
	Seed           int64   `json:"seed"`
	WorldTimeMins  float64 `json:"world_time_minutes"`
	DayLengthMins  float64 `json:"day_length_minutes"`
	SpawnX         float64 `json:"spawn_x"`
	SpawnY         float64 `json:"spawn_y"`
	ChunkLoadRange int     `json:"chunk_load_radius,omitempty"`
}

// LoginResponse reports the outcome of a login request. Username is the
// authoritative name, which may differ from the one submitted.
type LoginResponse struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
	Username string    `json:"username,omitempty"`
	Token    string    `json:"token,omitempty"`
	World    WorldInfo `json:"world"`
}

// RegisterResponse reports the outcome of a registration request
type RegisterResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Username string `json:"username,omitempty"`
}

// ChunkRequest asks for the chunk at the given coordinates
type ChunkRequest struct {
	ChunkX int `json:"chunk_x"`
	ChunkY int `json:"chunk_y"`
}

// ChunkFragment carries a sub-block of a chunk's tiles. Tiles is row-major
// with Size columns; StartX/StartY is the sub-block's offset inside the chunk.
type ChunkFragment struct {
	ChunkX         int       `json:"chunk_x"`
	ChunkY         int       `json:"chunk_y"`
	StartX         int       `json:"start_x"`
	StartY         int       `json:"start_y"`
	Size           int       `json:"fragment_size"`
	Tiles          [][]int32 `json:"tiles"`
	Biome          string    `json:"biome,omitempty"`
	FragmentIndex  int       `json:"fragment_index"`
	TotalFragments int       `json:"total_fragments"`
}

// ChunkComplete is sent once after all fragments of a chunk
type ChunkComplete struct {
	ChunkX int `json:"chunk_x"`
	ChunkY int `json:"chunk_y"`
}

// ChunkData carries a whole chunk in one message. Either Tiles is set, or
// Format/Payload hold a compressed tile buffer.
type ChunkData struct {
	ChunkX  int     `json:"chunk_x"`
	ChunkY  int     `json:"chunk_y"`
	Biome   string  `json:"biome,omitempty"`
	Tiles   []int32 `json:"tiles,omitempty"`
	Format  string  `json:"format,omitempty"`
	Payload string  `json:"payload,omitempty"`
}

// Coord returns the chunk coordinate of the request
func (r ChunkRequest) Coord() tilemap.ChunkCoord {
	return tilemap.ChunkCoord{X: r.ChunkX, Y: r.ChunkY}
}

// Coord returns the chunk coordinate the fragment belongs to
func (f ChunkFragment) Coord() tilemap.ChunkCoord {
	return tilemap.ChunkCoord{X: f.ChunkX, Y: f.ChunkY}
}

// Coord returns the completed chunk coordinate
func (c ChunkComplete) Coord() tilemap.ChunkCoord {
	return tilemap.ChunkCoord{X: c.ChunkX, Y: c.ChunkY}
}

// Coord returns the chunk coordinate of the data
func (d ChunkData) Coord() tilemap.ChunkCoord {
	return tilemap.ChunkCoord{X: d.ChunkX, Y: d.ChunkY}
}

// PlayerUpdate is a position/state delta for one player
type PlayerUpdate struct {
	Username  string  `json:"username"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
	Moving    bool    `json:"moving"`
	Running   bool    `json:"running,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// PlayerPosition batches updates for many players
type PlayerPosition struct {
	Players map[string]PlayerUpdate `json:"players"`
}

// PlayerJoined announces a player entering the world. Seq increases
// monotonically per player on the server.
type PlayerJoined struct {
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Seq      uint64  `json:"seq"`
}

// PlayerLeft announces a player leaving the world
type PlayerLeft struct {
	Username string `json:"username"`
	Seq      uint64 `json:"seq,omitempty"`
}

// PlayerList reports the connected players and their pings
type PlayerList struct {
	Players []PlayerListEntry `json:"players"`
}

// PlayerListEntry is one row of a PlayerList
type PlayerListEntry struct {
	Username string `json:"username"`
	PingMs   int    `json:"ping_ms"`
}

// EntitySpawn announces a roaming creature
type EntitySpawn struct {
	ID        string  `json:"id"`
	Species   string  `json:"species"`
	Level     int     `json:"level,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
	Seq       uint64  `json:"seq"`
}

// EntityDespawn removes a roaming creature
type EntityDespawn struct {
	ID  string `json:"id"`
	Seq uint64 `json:"seq,omitempty"`
}

// EntityUpdate is a position/state delta for one creature
type EntityUpdate struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
	Moving    bool    `json:"moving"`
	Level     int     `json:"level,omitempty"`
	CurrentHP int     `json:"current_hp,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// EntityBatchUpdate carries many creature updates at once
type EntityBatchUpdate struct {
	Updates []EntityUpdate `json:"updates"`
}

// EntitySpawnRequest asks the server to resend spawn data for an unknown creature
type EntitySpawnRequest struct {
	ID string `json:"id"`
}

// ForceDisconnect is sent by either side to end the session
type ForceDisconnect struct {
	Reason string `json:"reason"`
	Kicked bool   `json:"kicked,omitempty"`
}

// ServerShutdown announces the server going down
type ServerShutdown struct {
	Reason string `json:"reason"`
}

// ChatType distinguishes player chat from system notices
type ChatType string

const (
	ChatNormal ChatType = "normal"
	ChatSystem ChatType = "system"
)

// ChatMessage is a chat line
type ChatMessage struct {
	Sender    string   `json:"sender"`
	Content   string   `json:"content"`
	Type      ChatType `json:"type"`
	Timestamp int64    `json:"timestamp"`
}

// Ping carries the client's send time in unix milliseconds
type Ping struct {
	SentAt int64 `json:"sent_at"`
}

// Pong echoes a Ping
type Pong struct {
	SentAt int64 `json:"sent_at"`
}

// GetDataRequest asks for an entity's persisted state. The envelope ID
// carries the correlation ID.
type GetDataRequest struct {
	EntityID string `json:"entity_id"`
}

// GetDataResponse answers a GetDataRequest
type GetDataResponse struct {
	EntityID string          `json:"entity_id"`
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SaveDataRequest stores an entity's state
type SaveDataRequest struct {
	EntityID string          `json:"entity_id"`
	Data     json.RawMessage `json:"data"`
}

// SaveDataResponse confirms a SaveDataRequest
type SaveDataResponse struct {
	EntityID string `json:"entity_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// ErrorMessage is sent by the server for rejected requests
type ErrorMessage struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Encode wraps a payload in an envelope and serializes it
func Encode(env Envelope, payload interface{}) ([]byte, error) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", env.Type, err)
		}
		env.Data = data
	}
	bytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	return bytes, nil
}

// Decode parses a raw frame into an envelope
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid message format: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message type is required")
	}
	return env, nil
}

// Unmarshal decodes an envelope's payload into out
func (e Envelope) Unmarshal(out interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

package session

import (
	"log"

	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
)

// inboundMsg is one decoded message, or the end of a transport, tagged
// with the connection generation it came from
type inboundMsg struct {
	gen    uint64
	env    protocol.Envelope
	closed bool
	err    error
}

// dispatchLoop is the single consumer of inbound messages, so handlers run
// in arrival order
func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbound:
			s.handleInbound(msg)
		}
	}
}

func (s *Session) handleInbound(msg inboundMsg) {
	if msg.closed {
		reason := "connection closed"
		if msg.err != nil {
			reason = msg.err.Error()
		}
		s.dropConnection(msg.gen, reason, true)
		return
	}

	s.mu.Lock()
	current := msg.gen == s.gen
	authenticated := s.state == Authenticated
	s.mu.Unlock()
	if !current {
		return
	}

	switch msg.env.Type {
	case protocol.KindLoginResponse:
		s.handleLoginResponse(msg.gen, msg.env)
		return
	case protocol.KindRegisterResponse:
		s.handleRegisterResponse(msg.gen, msg.env)
		return
	}

	if !authenticated {
		if s.buffer.Push(msg.env) {
			s.profiler.Incr(performance.MetricBufferDropped, 1)
		}
		return
	}
	s.dispatch(msg.gen, msg.env)
}

// drainBuffer dispatches everything buffered before authentication. It
// runs on the dispatch goroutine, so nothing newer can overtake it.
func (s *Session) drainBuffer(gen uint64) {
	pending := s.buffer.Drain()
	if len(pending) == 0 {
		return
	}
	log.Printf("[Session] Dispatching %d messages buffered before login", len(pending))
	for _, env := range pending {
		s.dispatch(gen, env)
	}
}

func (s *Session) dispatch(gen uint64, env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.KindChunkFragment:
		var frag protocol.ChunkFragment
		if err = env.Unmarshal(&frag); err == nil {
			err = s.streaming.HandleFragment(frag)
		}

	case protocol.KindChunkComplete:
		var done protocol.ChunkComplete
		if err = env.Unmarshal(&done); err == nil {
			err = s.streaming.HandleComplete(done.Coord())
		}

	case protocol.KindChunkData:
		var data protocol.ChunkData
		if err = env.Unmarshal(&data); err == nil {
			err = s.streaming.HandleChunkData(data)
		}

	case protocol.KindPlayerUpdate:
		var update protocol.PlayerUpdate
		if err = env.Unmarshal(&update); err == nil {
			s.tracker.ApplyPlayerUpdate(update)
		}

	case protocol.KindPlayerPosition:
		var batch protocol.PlayerPosition
		if err = env.Unmarshal(&batch); err == nil {
			for username, update := range batch.Players {
				if update.Username == "" {
					update.Username = username
				}
				s.tracker.ApplyPlayerUpdate(update)
			}
		}

	case protocol.KindPlayerJoined:
		var joined protocol.PlayerJoined
		if err = env.Unmarshal(&joined); err == nil && s.tracker.SpawnPlayer(joined) {
			s.notice(joined.Username + " joined the game")
		}

	case protocol.KindPlayerLeft:
		var left protocol.PlayerLeft
		if err = env.Unmarshal(&left); err == nil && s.tracker.DespawnPlayer(left) {
			s.notice(left.Username + " left the game")
		}

	case protocol.KindPlayerList:
		var list protocol.PlayerList
		if err = env.Unmarshal(&list); err == nil {
			s.tracker.SetPings(list)
		}

	case protocol.KindEntitySpawn:
		var spawn protocol.EntitySpawn
		if err = env.Unmarshal(&spawn); err == nil {
			s.tracker.SpawnCreature(spawn)
		}

	case protocol.KindEntityDespawn:
		var despawn protocol.EntityDespawn
		if err = env.Unmarshal(&despawn); err == nil {
			s.tracker.DespawnCreature(despawn)
		}

	case protocol.KindEntityUpdate:
		var update protocol.EntityUpdate
		if err = env.Unmarshal(&update); err == nil {
			s.applyCreatureUpdate(update)
		}

	case protocol.KindEntityBatchUpdate:
		var batch protocol.EntityBatchUpdate
		if err = env.Unmarshal(&batch); err == nil {
			for _, update := range batch.Updates {
				s.applyCreatureUpdate(update)
			}
		}

	case protocol.KindChatMessage:
		var chat protocol.ChatMessage
		if err = env.Unmarshal(&chat); err == nil && s.handlers.OnChat != nil {
			s.handlers.OnChat(chat)
		}

	case protocol.KindPing:
		var ping protocol.Ping
		if err = env.Unmarshal(&ping); err == nil {
			err = s.send(protocol.KindPong, env.ID, protocol.Pong{SentAt: ping.SentAt})
		}

	case protocol.KindPong:
		var pong protocol.Pong
		if err = env.Unmarshal(&pong); err == nil {
			s.recordPong(pong)
		}

	case protocol.KindGetDataResponse:
		s.handleDataResponse(env)

	case protocol.KindSaveDataResponse:
		s.handleSaveResponse(env)

	case protocol.KindForceDisconnect:
		var fd protocol.ForceDisconnect
		if err = env.Unmarshal(&fd); err == nil {
			s.handleForceDisconnect(gen, fd)
		}

	case protocol.KindServerShutdown:
		var shutdown protocol.ServerShutdown
		if err = env.Unmarshal(&shutdown); err == nil {
			s.notice("Server is shutting down: " + shutdown.Reason)
			s.dropConnection(gen, "server shutdown", true)
		}

	case protocol.KindError:
		var msg protocol.ErrorMessage
		if err = env.Unmarshal(&msg); err == nil {
			log.Printf("[Session] Server error %s: %s", msg.Code, msg.Message)
		}

	case protocol.KindLoginResponse, protocol.KindRegisterResponse:
		log.Printf("[Session] Ignoring late %s", env.Type)

	default:
		log.Printf("[Session] Unknown message type: %s", env.Type)
	}

	if err != nil {
		log.Printf("[Session] Dropping %s message: %v", env.Type, err)
	}
}

// applyCreatureUpdate retargets a creature, asking the server to resend
// spawn data when the creature is unknown
func (s *Session) applyCreatureUpdate(update protocol.EntityUpdate) {
	if s.tracker.ApplyCreatureUpdate(update) {
		return
	}
	if err := s.send(protocol.KindEntitySpawnRequest, "", protocol.EntitySpawnRequest{ID: update.ID}); err != nil {
		log.Printf("[Session] Failed to request spawn data for %s: %v", update.ID, err)
	}
}

func (s *Session) handleForceDisconnect(gen uint64, fd protocol.ForceDisconnect) {
	if fd.Kicked {
		s.mu.Lock()
		s.suppressed = true
		s.mu.Unlock()
		s.reconnector.Cancel()
		s.notice("You were kicked: " + fd.Reason)
	} else {
		s.notice("Disconnected by server: " + fd.Reason)
	}
	s.dropConnection(gen, "server closed session: "+fd.Reason, !fd.Kicked)
}

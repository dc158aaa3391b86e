package session

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

const (
	maxChatLength  = 256
	chatBurst      = 5
	chatWindow     = 5 * time.Second
	chatLimiterKey = "chat"
	systemSender   = "System"
)

// SendChat sends a chat line as the logged-in player
func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("chat message is empty")
	}
	if len(text) > maxChatLength {
		return fmt.Errorf("chat message exceeds %d characters", maxChatLength)
	}
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}

	limit, err := s.chatLimiter.Get(s.ctx, chatLimiterKey)
	if err != nil {
		log.Printf("[Session] Warning: Chat limiter error: %v", err)
	} else if limit.Reached {
		return ErrChatRateLimited
	}

	return s.send(protocol.KindChatMessage, "", protocol.ChatMessage{
		Sender:    s.Username(),
		Content:   text,
		Type:      protocol.ChatNormal,
		Timestamp: time.Now().UnixMilli(),
	})
}

// notice delivers a system line to the chat handler
func (s *Session) notice(content string) {
	log.Printf("[Session] %s", content)
	if s.handlers.OnChat != nil {
		s.handlers.OnChat(protocol.ChatMessage{
			Sender:    systemSender,
			Content:   content,
			Type:      protocol.ChatSystem,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// Tick advances per-frame state: entity interpolation always, and while
// authenticated the chunk window, request timeouts and the keepalive ping
func (s *Session) Tick(dt time.Duration) {
	s.tracker.Advance(dt)
	if !s.IsAuthenticated() {
		return
	}

	s.streaming.UpdateCenter(tilemap.TileToChunk(s.world.PlayerTile()))
	s.streaming.CheckProgress()

	now := time.Now()
	s.tickMu.Lock()
	due := now.Sub(s.lastPing) >= s.cfg.Entities.PingInterval
	if due {
		s.lastPing = now
	}
	s.tickMu.Unlock()
	if due {
		if err := s.send(protocol.KindPing, "", protocol.Ping{SentAt: now.UnixMilli()}); err != nil {
			log.Printf("[Session] Failed to send ping: %v", err)
		}
	}
}

func (s *Session) recordPong(pong protocol.Pong) {
	if pong.SentAt <= 0 {
		return
	}
	rtt := time.Since(time.UnixMilli(pong.SentAt))
	if rtt < 0 {
		rtt = 0
	}
	s.latencyMs.Store(rtt.Milliseconds())
	s.profiler.Record(performance.MetricPing, rtt)
}

// Latency returns the last measured round trip to the server
func (s *Session) Latency() time.Duration {
	return time.Duration(s.latencyMs.Load()) * time.Millisecond
}

// PlayerPings returns the server-reported ping of every tracked player
func (s *Session) PlayerPings() map[string]int {
	players := s.tracker.Players()
	pings := make(map[string]int, len(players))
	for _, p := range players {
		pings[p.ID] = p.PingMs
	}
	return pings
}

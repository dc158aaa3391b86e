package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/earthring/netclient/internal/correlation"
	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
)

// RequestEntityData asks for an entity's persisted state. A fresh cached
// value or an identical request already in flight is reused, so repeated
// calls within the cache TTL cost at most one round trip.
func (s *Session) RequestEntityData(ctx context.Context, id uuid.UUID) (*correlation.Future[json.RawMessage], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}

	future, send, err := s.cache.CreateRequest(id)
	if err != nil {
		return nil, err
	}
	if send {
		req := protocol.GetDataRequest{EntityID: id.String()}
		if err := s.send(protocol.KindGetDataRequest, id.String(), req); err != nil {
			s.cache.Reject(id, err)
			return nil, err
		}
	}
	return future, nil
}

// FetchEntityData is RequestEntityData with a bounded wait. When the
// response does not arrive within the fetch timeout ErrFetchTimeout is
// returned. The request itself is cancelled only if nobody else shares it.
func (s *Session) FetchEntityData(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	start := time.Now()
	future, err := s.RequestEntityData(ctx, id)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Cache.FetchTimeout)
	defer cancel()
	data, err := future.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.cache.Abandon(id, future)
			return nil, fmt.Errorf("%w: %s", ErrFetchTimeout, id)
		}
		return nil, err
	}
	s.profiler.Record(performance.MetricFetchRoundTrip, time.Since(start))
	return data, nil
}

// CancelEntityRequest abandons an outstanding request for id
func (s *Session) CancelEntityRequest(id uuid.UUID) bool {
	return s.cache.CancelRequest(id)
}

// SaveEntityData stores an entity's state on the server. The cached copy
// is dropped when the server confirms.
func (s *Session) SaveEntityData(id uuid.UUID, data json.RawMessage) error {
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	return s.send(protocol.KindSaveDataRequest, id.String(), protocol.SaveDataRequest{
		EntityID: id.String(),
		Data:     data,
	})
}

func (s *Session) handleDataResponse(env protocol.Envelope) {
	var resp protocol.GetDataResponse
	if err := env.Unmarshal(&resp); err != nil {
		log.Printf("[Session] Dropping %s message: %v", env.Type, err)
		return
	}
	id, ok := correlationID(env.ID, resp.EntityID)
	if !ok {
		log.Printf("[Session] Dropping %s with invalid id %q", env.Type, env.ID)
		return
	}
	if !resp.Success {
		s.cache.Reject(id, fmt.Errorf("entity %s: %s", id, resp.Message))
		return
	}
	// responses nobody is waiting for are ignored
	s.cache.Resolve(id, resp.Data)
}

func (s *Session) handleSaveResponse(env protocol.Envelope) {
	var resp protocol.SaveDataResponse
	if err := env.Unmarshal(&resp); err != nil {
		log.Printf("[Session] Dropping %s message: %v", env.Type, err)
		return
	}
	id, ok := correlationID(env.ID, resp.EntityID)
	if !ok {
		log.Printf("[Session] Dropping %s with invalid id %q", env.Type, env.ID)
		return
	}
	s.cache.Invalidate(id)
	if !resp.Success {
		log.Printf("[Session] Warning: Save for %s failed: %s", id, resp.Message)
	}
}

func correlationID(envelopeID, entityID string) (uuid.UUID, bool) {
	raw := envelopeID
	if raw == "" {
		raw = entityID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

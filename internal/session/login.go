package session

import (
	"fmt"
	"log"
	"time"

	"github.com/earthring/netclient/internal/auth"
	"github.com/earthring/netclient/internal/performance"
	"github.com/earthring/netclient/internal/protocol"
	"github.com/earthring/netclient/internal/tilemap"
)

// AuthResult is delivered to the listener of a login or registration
type AuthResult struct {
	Success  bool
	Username string
	Message  string
}

// AuthListener receives the outcome of a login or registration
type AuthListener func(result AuthResult)

type registration struct {
	creds    protocol.Credentials
	listener AuthListener
}

// Login stores credentials and authenticates with them, connecting first
// if needed. listener, which may be nil, receives the server's answer.
func (s *Session) Login(username, password string, listener AuthListener) error {
	creds, err := protocol.NewCredentials(username, password)
	if err != nil {
		return fmt.Errorf("invalid login: %w", err)
	}

	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state == Authenticated {
		s.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	s.creds = &creds
	s.loginListener = listener
	s.suppressed = false
	state := s.state
	s.mu.Unlock()

	switch state {
	case Disconnected:
		s.reconnector.Cancel()
		s.reconnector.Rearm()
		return s.connect()
	case Connected:
		return s.sendLogin(creds)
	}
	// still connecting: the login goes out once the dial completes
	return nil
}

// Register creates an account and, on success, logs in with it
func (s *Session) Register(username, password string, listener AuthListener) error {
	creds, err := protocol.NewCredentials(username, password)
	if err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}

	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state == Authenticated {
		s.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	s.registration = &registration{creds: creds, listener: listener}
	s.suppressed = false
	state := s.state
	s.mu.Unlock()

	switch state {
	case Disconnected:
		s.reconnector.Cancel()
		s.reconnector.Rearm()
		return s.connect()
	case Connected:
		return s.sendRegister(creds)
	}
	return nil
}

func (s *Session) sendLogin(creds protocol.Credentials) error {
	s.mu.Lock()
	s.loginSentAt = time.Now()
	s.mu.Unlock()
	log.Printf("[Session] Logging in as %s", creds.Username)
	return s.send(protocol.KindLoginRequest, "", protocol.LoginRequest{Credentials: creds})
}

func (s *Session) sendRegister(creds protocol.Credentials) error {
	log.Printf("[Session] Registering %s", creds.Username)
	return s.send(protocol.KindRegisterRequest, "", protocol.RegisterRequest{Credentials: creds})
}

func (s *Session) handleLoginResponse(gen uint64, env protocol.Envelope) {
	var resp protocol.LoginResponse
	if err := env.Unmarshal(&resp); err != nil {
		log.Printf("[Session] Dropping login response: %v", err)
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.state != Connected {
		state := s.state
		s.mu.Unlock()
		log.Printf("[Session] Ignoring login response in state %s", state)
		return
	}
	listener := s.loginListener
	s.loginListener = nil
	elapsed := time.Since(s.loginSentAt)

	if !resp.Success {
		s.mu.Unlock()
		log.Printf("[Session] Login failed: %s", resp.Message)
		if listener != nil {
			listener(AuthResult{Message: resp.Message})
		}
		s.emitError(fmt.Errorf("%w: %s", ErrLoginRejected, resp.Message))
		s.dropConnection(gen, "login rejected", true)
		return
	}

	username := resp.Username
	if username == "" && s.creds != nil {
		username = s.creds.Username
	}
	var info auth.SessionInfo
	if resp.Token != "" {
		parsed, err := auth.ParseSessionToken(resp.Token)
		if err != nil {
			log.Printf("[Session] Warning: could not read session token: %v", err)
		} else {
			info = parsed
		}
	}
	s.username = username
	s.token = info
	s.setStateLocked(Authenticated)
	s.mu.Unlock()

	s.profiler.Record(performance.MetricLoginRoundTrip, elapsed)
	log.Printf("[Session] Authenticated as %s", username)
	s.reconnector.Reset()
	s.emitState(Authenticated)

	s.tracker.SetSelf(username)
	s.world.Bootstrap(resp.World)
	s.streaming.BeginLoading(tilemap.TileToChunk(s.world.PlayerTile()))

	if listener != nil {
		listener(AuthResult{Success: true, Username: username, Message: resp.Message})
	}
	s.drainBuffer(gen)
}

func (s *Session) handleRegisterResponse(gen uint64, env protocol.Envelope) {
	var resp protocol.RegisterResponse
	if err := env.Unmarshal(&resp); err != nil {
		log.Printf("[Session] Dropping register response: %v", err)
		return
	}

	s.mu.Lock()
	reg := s.registration
	s.registration = nil
	if reg != nil && resp.Success {
		creds := reg.creds
		s.creds = &creds
	}
	connected := gen == s.gen && s.state == Connected
	s.mu.Unlock()

	if reg == nil {
		log.Printf("[Session] Ignoring unsolicited register response")
		return
	}
	username := resp.Username
	if username == "" {
		username = reg.creds.Username
	}
	if !resp.Success {
		log.Printf("[Session] Registration failed: %s", resp.Message)
	}
	if reg.listener != nil {
		reg.listener(AuthResult{Success: resp.Success, Username: username, Message: resp.Message})
	}
	if resp.Success && connected {
		if err := s.sendLogin(reg.creds); err != nil {
			log.Printf("[Session] Failed to send login after registration: %v", err)
		}
	}
}

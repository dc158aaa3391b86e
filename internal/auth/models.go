package auth

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUserExists is returned when registering a taken username
	ErrUserExists = errors.New("username already exists")
	// ErrInvalidCredentials is returned for an unknown user or wrong password
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Account is a registered player
type Account struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// AccountStore keeps accounts in memory keyed by case-folded username
type AccountStore struct {
	mu        sync.RWMutex
	passwords *PasswordService
	accounts  map[string]*Account
}

// NewAccountStore creates an empty store
func NewAccountStore(passwords *PasswordService) *AccountStore {
	return &AccountStore{
		passwords: passwords,
		accounts:  make(map[string]*Account),
	}
}

// Register creates an account. The stored username keeps the caller's case.
func (s *AccountStore) Register(username, password string) (*Account, error) {
	hash, err := s.passwords.HashPassword(password)
	if err != nil {
		return nil, err
	}

	key := strings.ToLower(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[key]; exists {
		return nil, ErrUserExists
	}
	account := &Account{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	s.accounts[key] = account
	return account, nil
}

// Authenticate checks a password and returns the account with its
// canonical username
func (s *AccountStore) Authenticate(username, password string) (*Account, error) {
	key := strings.ToLower(username)
	s.mu.RLock()
	account, ok := s.accounts[key]
	s.mu.RUnlock()
	if !ok || !s.passwords.VerifyPassword(password, account.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	s.mu.Lock()
	account.LastLogin = &now
	cp := *account
	s.mu.Unlock()
	return &cp, nil
}

// Len returns the number of accounts
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

package testutil

import (
	"time"

	"github.com/google/uuid"
)

// TestFixtures provides test data generators
type TestFixtures struct{}

// NewTestFixtures creates a new test fixtures helper
func NewTestFixtures() *TestFixtures {
	return &TestFixtures{}
}

// RandomString generates a random alphanumeric string of specified length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	seed := time.Now().UnixNano()
	for i := range b {
		seed = seed*1103515245 + 12345 // Simple LCG
		idx := int(seed % int64(len(charset)))
		if idx < 0 {
			idx = -idx
		}
		b[i] = charset[idx]
	}
	return string(b)
}

// RandomUsername generates a random username that passes login validation
func RandomUsername() string {
	return "trainer_" + RandomString(8)
}

// TestPlayerData represents test player credentials
type TestPlayerData struct {
	Username string
	Password string
}

// NewTestPlayer creates credentials whose password meets the strength rules
func (f *TestFixtures) NewTestPlayer() TestPlayerData {
	return TestPlayerData{
		Username: RandomUsername(),
		Password: "Pallet#" + RandomString(6) + "1a",
	}
}

// NewEntityID returns a fresh entity ID for data requests
func (f *TestFixtures) NewEntityID() uuid.UUID {
	return uuid.New()
}

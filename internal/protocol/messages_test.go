package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	raw, err := Encode(Envelope{Type: KindChunkRequest, Seq: 7, Timestamp: 1234}, ChunkRequest{ChunkX: 2, ChunkY: -3})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindChunkRequest, env.Type)
	assert.Equal(t, uint64(7), env.Seq)

	var req ChunkRequest
	require.NoError(t, env.Unmarshal(&req))
	assert.Equal(t, 2, req.Coord().X)
	assert.Equal(t, -3, req.Coord().Y)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err, "missing type")
}

func TestUnmarshalWithoutData(t *testing.T) {
	env := Envelope{Type: KindPong}
	var pong Pong
	assert.Error(t, env.Unmarshal(&pong))
}

func TestNewCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid", "  ash  ", "pikachu", false},
		{"empty username", "   ", "pikachu", true},
		{"short username", "ab", "pikachu", true},
		{"empty password", "misty", "  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := NewCredentials(tt.username, tt.password)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ash", creds.Username)
		})
	}
}

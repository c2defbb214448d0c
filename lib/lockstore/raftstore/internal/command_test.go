package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name:     "Command with key and owner",
			command:  Command{Type: CommandTTryCreate, Key: "testkey", Owner: "owner-1", TTL: time.Second},
			expected: 1 + 8 + 8 + 4 + 7 + 7, // Type + TTL + Now + KeyLen + Key + Owner
		},
		{
			name:     "Command with empty key and owner",
			command:  Command{Type: CommandTDelete},
			expected: 1 + 8 + 8 + 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.command.SizeBytes())
			assert.Len(t, tt.command.Serialize(), tt.expected)
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 123456789, time.UTC)

	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "TryCreate",
			command: Command{Type: CommandTTryCreate, Key: "cache-refresh-leader", Owner: "host-42-abc", TTL: 30 * time.Second, Now: now},
		},
		{
			name:    "TryTakeover with unicode",
			command: Command{Type: CommandTTryTakeover, Key: "jobs/üñí", Owner: "ø", TTL: time.Millisecond, Now: now},
		},
		{
			name:    "Delete without ttl",
			command: Command{Type: CommandTDelete, Key: "k", Owner: "A", Now: now},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded Command
			require.NoError(t, decoded.Deserialize(tt.command.Serialize()))
			assert.Equal(t, tt.command.Type, decoded.Type)
			assert.Equal(t, tt.command.Key, decoded.Key)
			assert.Equal(t, tt.command.Owner, decoded.Owner)
			assert.Equal(t, tt.command.TTL, decoded.TTL)
			assert.True(t, tt.command.Now.Equal(decoded.Now))
		})
	}
}

func TestDeserializeErrors(t *testing.T) {
	var cmd Command
	assert.Error(t, cmd.Deserialize([]byte{0, 1, 2}))

	valid := (&Command{Type: CommandTTryCreate, Key: "abcdef", Owner: ""}).Serialize()
	assert.Error(t, cmd.Deserialize(valid[:len(valid)-2]), "truncated key must be rejected")
}

func TestCommandTypeString(t *testing.T) {
	assert.Equal(t, "TryCreate", CommandTTryCreate.String())
	assert.Equal(t, "TryTakeover", CommandTTryTakeover.String())
	assert.Equal(t, "Delete", CommandTDelete.String())
	assert.Equal(t, "Unknown(9)", CommandType(9).String())
}

package internal

import (
	"encoding/binary"
	"fmt"
	"time"
)

// CommandType defines the possible write operations for the state machine.
type CommandType uint8

const (
	CommandTTryCreate   CommandType = iota // Insert a record if the key is absent.
	CommandTTryTakeover                    // Overwrite a record owned by the proposer or stale.
	CommandTDelete                         // Delete a record owned by the proposer.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTTryCreate:
		return "TryCreate"
	case CommandTTryTakeover:
		return "TryTakeover"
	case CommandTDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a single entry in the raft log).
//
// Now is the wall-clock time of the proposer. Every replica evaluates staleness
// against this value, never against its own clock, so applying the log is deterministic.
type Command struct {
	Type  CommandType
	TTL   time.Duration
	Now   time.Time
	Key   string
	Owner string
}

const headerSize = 1 + 8 + 8 + 4 // Type + TTL + Now + KeyLen

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return headerSize + len(command.Key) + len(command.Owner)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for the ttl in nanoseconds,
// 8 bytes for the proposer time in unix nanoseconds,
// 4 bytes for key length (big endian),
// N bytes for key data,
// N bytes for owner data (rest of the buffer)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], uint64(command.TTL))
	binary.BigEndian.PutUint64(result[9:17], uint64(command.Now.UnixNano()))
	binary.BigEndian.PutUint32(result[17:21], uint32(len(command.Key)))

	copy(result[headerSize:], command.Key)
	copy(result[headerSize+len(command.Key):], command.Owner)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.TTL = time.Duration(binary.BigEndian.Uint64(data[1:9]))
	command.Now = time.Unix(0, int64(binary.BigEndian.Uint64(data[9:17]))).UTC()

	keyLen := binary.BigEndian.Uint32(data[17:21])
	if len(data) < headerSize+int(keyLen) {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}

	command.Key = string(data[headerSize : headerSize+int(keyLen)])
	command.Owner = string(data[headerSize+int(keyLen):])

	return nil
}

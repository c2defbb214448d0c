package lockstore

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// --------------------------------------------------------------------------
// Lock Record
// --------------------------------------------------------------------------

// LockRecord is the persisted state of the current or most recent claim on a key.
//
// A record is held while now < ExpiresAt() and stale afterwards. A stale record
// still physically exists until it is overwritten by a takeover or deleted.
type LockRecord struct {
	Key       string        // resource identifier (primary key)
	Owner     string        // opaque identifier of the holder
	TTL       time.Duration // lease duration requested at the last create or renew
	UpdatedAt time.Time     // wall-clock time of the last successful create or renew
}

// NewRecord creates the record a successful create, renew or takeover writes at now.
func NewRecord(key, owner string, ttl time.Duration, now time.Time) LockRecord {
	return LockRecord{
		Key:       key,
		Owner:     owner,
		TTL:       ttl,
		UpdatedAt: now.UTC(),
	}
}

// ExpiresAt returns UpdatedAt + TTL.
func (r LockRecord) ExpiresAt() time.Time {
	return r.UpdatedAt.Add(r.TTL)
}

// IsStale reports whether the lease has run out at now (now >= expires_at).
func (r LockRecord) IsStale(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// ClaimableBy reports whether owner may overwrite this record at now: either
// owner already holds it (renewal) or the lease is stale (takeover).
// Backends evaluate this inside their atomic write, never as a separate prior step.
func (r LockRecord) ClaimableBy(owner string, now time.Time) bool {
	return r.Owner == owner || r.IsStale(now)
}

func (r LockRecord) String() string {
	return fmt.Sprintf("LockRecord{key=%s, owner=%s, ttl=%s, updated_at=%s}",
		r.Key, r.Owner, r.TTL, r.UpdatedAt.Format(time.RFC3339Nano))
}

// --------------------------------------------------------------------------
// Payload Codec
// --------------------------------------------------------------------------

// Payload is the serialized part of a LockRecord. Backends with a fixed schema
// store it as a single string column next to the key.
type Payload struct {
	Owner     string    `json:"owner" bson:"owner"`
	TTL       float64   `json:"ttl" bson:"ttl"` // seconds
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Payload converts the record into its serialized form.
func (r LockRecord) Payload() Payload {
	return Payload{
		Owner:     r.Owner,
		TTL:       r.TTL.Seconds(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// Record converts a payload back into a record for the given key.
func (p Payload) Record(key string) LockRecord {
	return LockRecord{
		Key:       key,
		Owner:     p.Owner,
		TTL:       time.Duration(math.Round(p.TTL * float64(time.Second))),
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

// MarshalPayload serializes the record payload as JSON.
func (r LockRecord) MarshalPayload() ([]byte, error) {
	return json.Marshal(r.Payload())
}

// UnmarshalPayload parses a JSON payload read from a backend.
// A payload that cannot be parsed is reported as an internal error, it is never
// treated as an absent or stale record.
func UnmarshalPayload(key string, data []byte) (LockRecord, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return LockRecord{}, Internal("decode payload", fmt.Errorf("key %s: %w", key, err))
	}
	return p.Record(key), nil
}

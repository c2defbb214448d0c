package lockstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRecordStaleness(t *testing.T) {
	rec := NewRecord("cache-refresh-leader", "A", 30*time.Second, t0)

	assert.Equal(t, t0.Add(30*time.Second), rec.ExpiresAt())

	tests := []struct {
		name   string
		offset time.Duration
		stale  bool
	}{
		{"at creation", 0, false},
		{"before expiry", 29 * time.Second, false},
		{"one nanosecond before expiry", 30*time.Second - time.Nanosecond, false},
		{"exactly at expiry", 30 * time.Second, true},
		{"after expiry", 45 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stale, rec.IsStale(t0.Add(tt.offset)))
		})
	}
}

func TestRecordClaimableBy(t *testing.T) {
	rec := NewRecord("k", "A", 10*time.Second, t0)

	assert.True(t, rec.ClaimableBy("A", t0.Add(time.Second)), "owner may always renew")
	assert.True(t, rec.ClaimableBy("A", t0.Add(time.Minute)), "owner may renew a stale lease")
	assert.False(t, rec.ClaimableBy("B", t0.Add(time.Second)), "held lease must not be taken over")
	assert.True(t, rec.ClaimableBy("B", t0.Add(10*time.Second)), "stale lease may be taken over")
}

func TestNewRecordNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	rec := NewRecord("k", "A", time.Second, t0.In(loc))

	assert.Equal(t, time.UTC, rec.UpdatedAt.Location())
	assert.True(t, rec.UpdatedAt.Equal(t0))
}

func TestPayloadRoundTrip(t *testing.T) {
	rec := NewRecord("jobs/nightly", "host-1-42-abc", 1500*time.Millisecond, t0.Add(123456789))

	data, err := rec.MarshalPayload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"owner":"host-1-42-abc","ttl":1.5,"updated_at":"2024-01-01T12:00:00.123456789Z"}`, string(data))

	decoded, err := UnmarshalPayload("jobs/nightly", data)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestUnmarshalPayloadInvalid(t *testing.T) {
	_, err := UnmarshalPayload("k", []byte("not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrNotFound)
}

package etcdstore

import (
	"errors"
	"strings"
	"testing"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	locktesting "github.com/ValentinKolb/dLease/lib/lockstore/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestEtcdStore(t *testing.T) {
	endpoints := strings.Split(locktesting.RequireEnv(t, "DLEASE_TEST_ETCD_ENDPOINTS"), ",")
	locktesting.RunLockStoreTests(t, "Etcd", func(clk clock.Clock) lockstore.ILockStore {
		store, err := Connect(Config{Endpoints: endpoints}, WithClock(clk))
		require.NoError(t, err)
		return store
	})
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify("get", status.Error(codes.Unavailable, "no connection")), lockstore.ErrBackendUnavailable)
	assert.ErrorIs(t, classify("get", status.Error(codes.DeadlineExceeded, "slow")), lockstore.ErrBackendUnavailable)
	assert.ErrorIs(t, classify("get", rpctypes.ErrNoLeader), lockstore.ErrBackendUnavailable)
	assert.ErrorIs(t, classify("get", status.Error(codes.PermissionDenied, "denied")), lockstore.ErrInternal)
	assert.ErrorIs(t, classify("get", errors.New("boom")), lockstore.ErrInternal)
}

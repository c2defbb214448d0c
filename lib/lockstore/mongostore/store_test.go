package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	locktesting "github.com/ValentinKolb/dLease/lib/lockstore/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMongoStore(t *testing.T) {
	uri := locktesting.RequireEnv(t, "DLEASE_TEST_MONGO_URI")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("dlease_test")
	locktesting.RunLockStoreTests(t, "Mongo", func(clk clock.Clock) lockstore.ILockStore {
		return NewMongoStore(db, WithClock(clk))
	})
}

func TestDocumentRoundTrip(t *testing.T) {
	rec := lockstore.NewRecord("jobs/nightly", "A", 90*time.Second, locktesting.Epoch)
	doc := newDocument(rec)

	assert.Equal(t, "jobs/nightly", doc.Key)
	assert.Equal(t, 90.0, doc.TTL)
	assert.Equal(t, locktesting.Epoch.Add(90*time.Second), doc.ExpiresAt)

	data, err := bson.Marshal(doc)
	require.NoError(t, err)

	var decoded lockDocument
	require.NoError(t, bson.Unmarshal(data, &decoded))
	assert.Equal(t, rec.Owner, decoded.record().Owner)
	assert.Equal(t, rec.TTL, decoded.record().TTL)
	assert.True(t, rec.UpdatedAt.Equal(decoded.record().UpdatedAt))
}

func TestFilters(t *testing.T) {
	now := locktesting.Epoch

	filter := takeoverFilter("k", "A", now)
	require.Len(t, filter, 2)
	assert.Equal(t, "_id", filter[0].Key)
	assert.Equal(t, "k", filter[0].Value)
	assert.Equal(t, "$or", filter[1].Key)

	branches := filter[1].Value.(bson.A)
	require.Len(t, branches, 2)
	assert.Equal(t, bson.D{{Key: "owner", Value: "A"}}, branches[0])
	assert.Equal(t, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}}, branches[1])

	assert.Equal(t, bson.D{{Key: "_id", Value: "k"}, {Key: "owner", Value: "A"}}, ownerFilter("k", "A"))
}

package couchstore

import (
	"context"
	"time"

	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/couchbase/gocb/v2"
)

// documents is the document level API the store needs from a collection.
// Every mutation is guarded by the server side CAS value.
type documents interface {
	get(ctx context.Context, id string) (lockstore.Payload, gocb.Cas, error)
	insert(ctx context.Context, id string, p lockstore.Payload) error
	replace(ctx context.Context, id string, p lockstore.Payload, cas gocb.Cas) error
	remove(ctx context.Context, id string, cas gocb.Cas) error
	ping(ctx context.Context) error
}

// collectionDocuments implements documents on a gocb collection.
type collectionDocuments struct {
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

func (c *collectionDocuments) get(ctx context.Context, id string) (lockstore.Payload, gocb.Cas, error) {
	res, err := c.collection.Get(id, &gocb.GetOptions{Context: ctx})
	if err != nil {
		return lockstore.Payload{}, 0, err
	}
	var p lockstore.Payload
	if err := res.Content(&p); err != nil {
		return lockstore.Payload{}, 0, lockstore.Internal("decode document "+id, err)
	}
	return p, res.Cas(), nil
}

func (c *collectionDocuments) insert(ctx context.Context, id string, p lockstore.Payload) error {
	_, err := c.collection.Insert(id, p, &gocb.InsertOptions{Context: ctx})
	return err
}

func (c *collectionDocuments) replace(ctx context.Context, id string, p lockstore.Payload, cas gocb.Cas) error {
	_, err := c.collection.Replace(id, p, &gocb.ReplaceOptions{Context: ctx, Cas: cas})
	return err
}

func (c *collectionDocuments) remove(ctx context.Context, id string, cas gocb.Cas) error {
	_, err := c.collection.Remove(id, &gocb.RemoveOptions{Context: ctx, Cas: cas})
	return err
}

func (c *collectionDocuments) ping(ctx context.Context) error {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	return c.bucket.WaitUntilReady(timeout, &gocb.WaitUntilReadyOptions{
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue},
	})
}

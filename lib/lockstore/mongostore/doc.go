// Package mongostore implements a lock store on a MongoDB collection.
//
// The key is the document _id. TryCreate is InsertOne, a duplicate key error
// means the record exists. TryTakeoverOrRenew is a single UpdateOne whose filter
// carries the whole decision ({_id, $or: [{owner}, {expires_at <= now}]}), and
// Delete is DeleteOne on {_id, owner}. Single document writes are atomic, so no
// transaction is needed.
//
// Timestamps are stored as BSON dates and therefore truncated to milliseconds.
package mongostore

// Package gdsstore implements a lock store on Google Cloud Datastore (Firestore in Datastore mode).
//
// Each lock is an entity of kind DLeaseLock named by the lock key, holding the
// JSON payload as an unindexed property. All writes run in transactions that
// read the entity first; a commit conflict is reported as a lost race.
package gdsstore

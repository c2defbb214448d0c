// Package filestore implements a lock store on a shared directory.
//
// Every key owns two files named after the base64url encoding of the key: the
// record file holding the JSON payload and a guard file used for an exclusive
// advisory lock (gofrs/flock). TryCreate, TryTakeoverOrRenew and Delete run their
// read, check and write under the guard; records are replaced by writing a
// temporary file and renaming it over the old one, so Read never needs the guard
// and never observes a partial record.
//
// The directory is created on first use. Guard files are never removed, removing
// them while another process waits on the lock would break mutual exclusion.
package filestore

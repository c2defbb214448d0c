// Package redisstore implements a lock store on Redis (go-redis UniversalClient,
// so single nodes, sentinel and cluster deployments all work).
//
// The JSON payload is the string value of <prefix><key>, stored without a redis
// expiry. TryCreate is SETNX. TryTakeoverOrRenew and Delete GET the value,
// decide in Go and then run a Lua script that only writes (SET) or deletes (DEL)
// if the value is still byte-for-byte the one that was read.
package redisstore

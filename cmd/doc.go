// Package cmd implements the command-line interface of dLease.
//
// The package is organized into two subpackages:
//
//   - lock: Commands for lease operations (acquire, renew, release, status, health, run)
//   - util: Shared utilities for flags, configuration and the backend factory (internal use)
//
// Every flag can also be set as an environment variable DLEASE_<FLAG>
// (e.g. DLEASE_BACKEND=redis, DLEASE_REDIS_ADDRS=localhost:6379), .env and
// .env.local in the working directory are loaded first.
//
// See dlease -help for a list of all commands.
package cmd

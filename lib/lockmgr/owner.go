package lockmgr

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewOwnerID returns "<hostname>-<pid>-<uuid>", unique for every call and
// readable enough to tell which process holds a lease.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}

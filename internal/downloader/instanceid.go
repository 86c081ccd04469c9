package downloader

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
// The ledger records it as the requester of each cycle.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}

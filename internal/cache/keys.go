package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ScanSnapshotKey(scanID uuid.UUID) string {
	return fmt.Sprintf("scan:%s", scanID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

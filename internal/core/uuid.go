package core

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// NewUUIDv7 returns a new time-ordered UUID string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUIDv7 reports whether s is a version 7 UUID.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7
}

// IsValidUUID reports whether s parses as any UUID.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// timeoutIndexName is the queue-namespace name of the timeout index.
const timeoutIndexName = "tq"

// ValidateTaskID checks that a task id can be used as a queue name. Queue
// keys share a namespace with the timeout index, execution bodies keyed by
// exec id and tick locks, so ids that could collide with those are rejected.
func ValidateTaskID(taskID string) error {
	if taskID == "" || strings.TrimSpace(taskID) != taskID {
		return ErrInvalidTaskID
	}
	if strings.IndexFunc(taskID, unicode.IsSpace) >= 0 {
		return ErrInvalidTaskID
	}
	if taskID == timeoutIndexName ||
		strings.HasPrefix(taskID, tickPrefix) ||
		strings.HasSuffix(taskID, ":lk") ||
		IsValidUUID(taskID) {
		return ErrReservedTaskID
	}
	return nil
}

package partydocs

import (
	"github.com/google/uuid"
)

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)

	return err == nil
}

// GenerateUUIDv7 generates a time-ordered UUID, used for event IDs so
// insertion order roughly matches lexical order.
func GenerateUUIDv7() (uuid.UUID, error) {
	return uuid.NewV7()
}

package core

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUID. Run identifiers use v7 so the
// instance IDs derived from them sort by trigger time.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUID reports whether s parses as any UUID.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IsValidUUIDv7 reports whether s is a version-7 UUID with the RFC 4122
// variant bits.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}

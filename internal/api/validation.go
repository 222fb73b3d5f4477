package api

import (
	"errors"

	"github.com/google/uuid"
)

// validateSessionID rejects path segments that cannot be session ids
// before they reach the store.
func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("session id must be a UUID")
	}
	return nil
}

package utils

import "github.com/google/uuid"

// GenerateMessageID returns a UUID for a relay message.
func GenerateMessageID() string {
	return uuid.NewString()
}

package rpc

import (
	"strings"

	"github.com/google/uuid"
)

// NewRequestID returns a collision-resistant correlation id
func NewRequestID() string {
	return uuid.NewString()
}

// EphemeralChannel returns a fresh single-use response channel name
func EphemeralChannel(prefix string) string {
	if prefix == "" {
		prefix = "execution:response"
	}
	return strings.TrimSuffix(prefix, ":") + ":" + uuid.NewString()
}

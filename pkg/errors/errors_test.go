package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection refused")
	tErr := fmt.Errorf("place order: %w", &TransportError{Op: "publish", Channel: "requests", Err: cause})

	assert.True(t, IsTransport(tErr))
	assert.True(t, errors.Is(tErr, cause))
	assert.False(t, IsTimeout(tErr))

	var lockErr *LockedError
	locked := fmt.Errorf("wrap: %w", &LockedError{CurrentOperation: "placeOrder"})
	assert.True(t, IsLocked(locked))
	assert.True(t, errors.As(locked, &lockErr))
	assert.Equal(t, "placeOrder", lockErr.CurrentOperation)

	assert.True(t, IsValidation(&ValidationError{Field: "quantity", Message: "must be positive"}))
	assert.True(t, IsRemoteRejection(&RemoteRejectionError{RequestType: "PLACE_ORDER", Message: "no margin"}))
	assert.True(t, IsTimeout(&TimeoutError{RequestType: "GET_POSITIONS", RequestID: "r1"}))
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "quantity", Value: int64(0), Message: "must be positive"}
	assert.Equal(t, "invalid quantity (0): must be positive", err.Error())

	err = &ValidationError{Field: "account", Message: "required"}
	assert.Equal(t, "invalid account: required", err.Error())
}

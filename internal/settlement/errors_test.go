package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorListsFieldsInOrder(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"date": "is required", "amount": "must be >= 0"}}
	require.Equal(t, "settlement: validation failed: amount: must be >= 0; date: is required", err.Error())
	require.Equal(t, err.Fields, err.FieldErrors())
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(invalid("amount", "must be >= 0")))
	require.False(t, Retryable(fmt.Errorf("load: %w", ErrDocumentNotFound)))
	require.False(t, Retryable(&CascadeError{Target: Target{Variant: VariantBill, Number: "B1"}, Err: ErrReferenceNotFound}))
	require.True(t, Retryable(context.DeadlineExceeded))
	require.True(t, Retryable(&CascadeError{Err: errors.New("conn reset")}))
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"configuration", &ConfigurationError{Field: "x", Reason: "bad"}, ClassConfiguration},
		{"credential", &CredentialError{CredentialID: "c1", Err: errors.New("invalid api key")}, ClassCredential},
		{"permanent", NewPermanentOrderError("below minimum"), ClassPermanent},
		{"transient", &TransientExchangeError{Op: "place", Err: context.DeadlineExceeded}, ClassTransient},
		{"wrapped credential", fmt.Errorf("place order: %w", &CredentialError{CredentialID: "c1"}), ClassCredential},
		{"unknown defaults to transient", errors.New("boom"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("insufficient balance")
	err := &PermanentOrderError{Reason: "place order", Err: cause}
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "insufficient balance")

	require.Equal(t, "permanent order error: below minimum", NewPermanentOrderError("below minimum").Error())
}

package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without underlying error",
			err:  New(Validation, "bad field"),
			want: "[Validation] bad field",
		},
		{
			name: "with underlying error",
			err:  Wrap(Internal, "boom", errors.New("underlying")),
			want: "[Internal] boom: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(Storage, "write failed", underlying)
	assert.Equal(t, underlying, err.Unwrap())
	assert.True(t, errors.Is(err, underlying))
}

func TestWithDetailsChains(t *testing.T) {
	err := New(Delegation, "no feasible agent").
		WithDetails("node_key", "validator/test-3").
		WithDetails("reason", "no agent satisfies labels")

	require.NotNil(t, err.Details)
	assert.Equal(t, "validator/test-3", err.Details["node_key"])
	assert.Equal(t, "no agent satisfies labels", err.Details["reason"])
}

func TestKindDefaultHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{Delegation, http.StatusConflict},
		{Transport, http.StatusBadGateway},
		{Remote, http.StatusBadGateway},
		{ReconcileTransient, http.StatusServiceUnavailable},
		{ReconcileStructural, http.StatusUnprocessableEntity},
		{Storage, http.StatusInternalServerError},
		{Timeout, http.StatusGatewayTimeout},
		{Cancelled, http.StatusRequestTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.kind, "msg").HTTPStatus)
		})
	}
}

func TestIsAndAs(t *testing.T) {
	err := Unsatisfiable("validator/test-3", "no agent satisfies labels")
	wrapped := fmt.Errorf("delegate: %w", err)

	assert.True(t, Is(wrapped, Delegation))
	assert.False(t, Is(wrapped, Timeout))

	extracted := As(wrapped)
	require.NotNil(t, extracted)
	assert.Equal(t, Delegation, extracted.Kind)
}

func TestHTTPStatusFallsBackTo500ForPlainErrors(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestReconcileFailurePicksKindByTransience(t *testing.T) {
	transient := ReconcileFailure(true, "start_node", "agent unreachable", errors.New("dial tcp: timeout"))
	assert.Equal(t, ReconcileTransient, transient.Kind)

	structural := ReconcileFailure(false, "apply_genesis", "checksum mismatch", errors.New("bad genesis"))
	assert.Equal(t, ReconcileStructural, structural.Kind)
}

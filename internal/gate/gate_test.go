// ABOUTME: Tests for the credit gate: HTTP check, approval and shortfall classification
// ABOUTME: Confirms the insufficient_credits tag survives wrapping and string round trips

package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/auth"
)

func TestHTTPChecker_Check(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/credits/check", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"has_sufficient":false,"required":40,"current":10,"difference":30}`))
	}))
	defer srv.Close()

	checker := NewHTTPChecker(srv.URL+"/", auth.StaticToken("tok"), nil, nil)
	res, err := checker.Check(t.Context(), Request{AgentIDs: []string{"A", "B"}, MaxTurns: 4})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []string{"A", "B"}, gotReq.AgentIDs)
	assert.Equal(t, 4, gotReq.MaxTurns)
	assert.Equal(t, Result{Sufficient: false, Required: 40, Current: 10, Shortfall: 30}, res)
}

func TestHTTPChecker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPChecker(srv.URL, auth.StaticToken("tok"), nil, nil).Check(t.Context(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.False(t, IsInsufficient(err), "transport failures are generic")
}

func TestHTTPChecker_MissingToken(t *testing.T) {
	_, err := NewHTTPChecker("http://unused", auth.StaticToken(""), nil, nil).Check(t.Context(), Request{})
	assert.ErrorIs(t, err, auth.ErrNoToken)
}

func TestApprove_Sufficient(t *testing.T) {
	clearance, err := Approve(Result{Sufficient: true, Required: 8, Current: 100})
	require.NoError(t, err)
	assert.True(t, clearance.Valid())
	assert.Equal(t, int64(8), clearance.Required)
}

func TestApprove_Insufficient(t *testing.T) {
	clearance, err := Approve(Result{Sufficient: false, Required: 40, Current: 10})
	assert.False(t, clearance.Valid())

	var insufficient *InsufficientError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(30), insufficient.Shortfall, "shortfall derived when server omits it")
	assert.Contains(t, err.Error(), "insufficient_credits:")
}

func TestClearance_ZeroValueInvalid(t *testing.T) {
	assert.False(t, Clearance{}.Valid())
}

func TestIsInsufficient(t *testing.T) {
	typed := &InsufficientError{Required: 4, Current: 1, Shortfall: 3}

	assert.True(t, IsInsufficient(typed))
	assert.True(t, IsInsufficient(fmt.Errorf("starting conversation: %w", typed)))
	assert.True(t, IsInsufficient(errors.New(typed.Error())), "tag survives flattening to a string")
	assert.False(t, IsInsufficient(errors.New("agent crashed")))
	assert.False(t, IsInsufficient(nil))
}

func TestFromReason(t *testing.T) {
	err := FromReason("insufficient_credits: need 10 credits")
	require.NotNil(t, err)
	assert.Equal(t, "need 10 credits", err.Detail)
	assert.Equal(t, "insufficient_credits: need 10 credits", err.Error())

	assert.Nil(t, FromReason("agent timeout"))
}

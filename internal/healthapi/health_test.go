package healthapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_StatusIsWorstAcrossCheckers(t *testing.T) {
	r := NewRegistry()
	r.Register("a", NewChecker("a", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	}))
	r.Register("b", NewChecker("b", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	}))
	require.Equal(t, StatusDegraded, r.Status(context.Background()))

	r.Register("c", NewChecker("c", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	}))
	require.Equal(t, StatusUnhealthy, r.Status(context.Background()))
}

func TestHandler_LivenessReturns503WhenUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("trust_store", TrustStoreChecker(func(ctx context.Context) error {
		return errors.New("boom")
	}))
	h := NewHandler(r)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_LivenessReturns200WhenHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("trust_store", TrustStoreChecker(func(ctx context.Context) error { return nil }))
	h := NewHandler(r)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestConsensusLivenessChecker_Thresholds(t *testing.T) {
	c := ConsensusLivenessChecker(func() (time.Duration, bool) { return 2 * time.Minute, true }, time.Minute, 5*time.Minute)
	res := c.Check(context.Background())
	require.Equal(t, StatusDegraded, res.Status)

	c = ConsensusLivenessChecker(func() (time.Duration, bool) { return 10 * time.Minute, true }, time.Minute, 5*time.Minute)
	res = c.Check(context.Background())
	require.Equal(t, StatusUnhealthy, res.Status)

	c = ConsensusLivenessChecker(func() (time.Duration, bool) { return 0, false }, time.Minute, 5*time.Minute)
	res = c.Check(context.Background())
	require.Equal(t, StatusHealthy, res.Status)
}

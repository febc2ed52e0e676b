package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
)

func TestCheckAll(t *testing.T) {
	checker := NewChecker(time.Second, logger.Nop())
	checker.RegisterCheck("ok", func(ctx context.Context) error { return nil })
	checker.RegisterCheck("broken", func(ctx context.Context) error {
		return errors.New("no neighbours")
	})

	results := checker.CheckAll(context.Background())
	require.Len(t, results, 2)
	require.Equal(t, StatusHealthy, results["ok"].Status)
	require.Equal(t, StatusUnhealthy, results["broken"].Status)
	require.Equal(t, "no neighbours", results["broken"].Message)

	require.Equal(t, StatusUnhealthy, Aggregate(results))
}

func TestCheckTimeout(t *testing.T) {
	checker := NewChecker(50*time.Millisecond, logger.Nop())
	checker.RegisterCheck("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	results := checker.CheckAll(context.Background())
	require.Equal(t, StatusUnhealthy, results["slow"].Status)
}

func TestAggregateHealthy(t *testing.T) {
	require.Equal(t, StatusHealthy, Aggregate(nil))
	require.Equal(t, StatusHealthy, Aggregate(map[string]*CheckResult{
		"a": {Status: StatusHealthy},
	}))
	require.Equal(t, StatusDegraded, Aggregate(map[string]*CheckResult{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusDegraded},
	}))
}

func TestHandler(t *testing.T) {
	checker := NewChecker(time.Second, logger.Nop())
	checker.RegisterCheck("ok", func(ctx context.Context) error { return nil })

	recorder := httptest.NewRecorder()
	checker.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, recorder.Code)

	var body struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, StatusHealthy, body.Status)

	checker.RegisterCheck("down", func(ctx context.Context) error {
		return errors.New("dead")
	})
	recorder = httptest.NewRecorder()
	checker.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 503, recorder.Code)
}

package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// response is the JSON body of the health endpoint
type response struct {
	Status    Status                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckResult `json:"checks"`
}

// Handler returns an HTTP handler serving the aggregate health status.
// Unhealthy aggregates answer 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.CheckAll(r.Context())
		body := response{
			Status:    Aggregate(results),
			Timestamp: time.Now(),
			Checks:    results,
		}

		w.Header().Set("Content-Type", "application/json")
		if body.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(body)
	})
}

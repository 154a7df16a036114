package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rickgao/shardgate/internal/gateway"
	"github.com/rickgao/shardgate/internal/metrics"
)

// healthSource is the client surface the health endpoint reads.
type healthSource interface {
	IsReady() bool
	Uptime() (time.Duration, error)
	ShardStates() map[int]gateway.State
}

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Shards map[string]string `json:"shards"`
}

// newHealthHandler serves /health and the metrics endpoint.
func newHealthHandler(src healthSource, m *metrics.Metrics, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		states := src.ShardStates()
		resp := healthResponse{
			Status: "starting",
			Shards: make(map[string]string, len(states)),
		}
		for id, st := range states {
			resp.Shards[strconv.Itoa(id)] = st.String()
		}

		switch {
		case states == nil:
			resp.Status = "down"
		case src.IsReady():
			resp.Status = "ready"
			if up, err := src.Uptime(); err == nil {
				resp.Uptime = up.Round(time.Second).String()
			}
			for _, st := range states {
				if st != gateway.StateReady {
					resp.Status = "degraded"
					break
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "down" || resp.Status == "starting" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.Handle(metricsPath, m.Handler())
	return mux
}

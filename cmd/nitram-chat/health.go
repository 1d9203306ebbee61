package main

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"github.com/martinschaer/nitram"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

type healthStatus struct {
	Status     string  `json:"status"`
	Sessions   int     `json:"sessions"`
	Goroutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	NATS       string  `json:"nats"`
}

// healthHandler reports liveness plus process stats. Process introspection
// failing only blanks the stats; the endpoint stays green as long as the
// server answers.
func healthHandler(engine *nitram.Engine, bus *ChatBus, log zerolog.Logger) http.HandlerFunc {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process stats unavailable")
		proc = nil
	}

	return func(w http.ResponseWriter, r *http.Request) {
		st := healthStatus{
			Status:     "ok",
			Sessions:   engine.Sessions().Count(),
			Goroutines: runtime.NumGoroutine(),
			NATS:       bus.Status(),
		}
		if bus.Status() == "disconnected" {
			st.Status = "degraded"
		}
		if proc != nil {
			if memInfo, err := proc.MemoryInfo(); err == nil {
				st.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				st.CPUPercent = cpu
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if st.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Error().Err(err).Msg("writing health response")
		}
	}
}

package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
)

// SystemStats represents the GET /api/v1/stats response.
type SystemStats struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeStats      `json:"runtime"`
	Store         resource.Stats    `json:"store"`
	WebSocket     WSStats           `json:"websocket"`
	Persistence   *PersistenceStats `json:"persistence,omitempty"`
	MQTT          *MQTTStats        `json:"mqtt,omitempty"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int    `json:"connected_clients"`
	EventsSent       uint64 `json:"events_sent"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// PersistenceStats contains record log writer state.
type PersistenceStats struct {
	Ready     bool   `json:"ready"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

// MQTTStats contains MQTT client state.
type MQTTStats struct {
	Connected bool `json:"connected"`
}

// handleStats returns a JSON summary of the process and its components.
// Prometheus series are served separately on /metrics.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sent, dropped := s.hub.Counts()
	stats := SystemStats{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Store: s.store.Stats(),
		WebSocket: WSStats{
			ConnectedClients: s.hub.ClientCount(),
			EventsSent:       sent,
			EventsDropped:    dropped,
		},
	}

	if s.persistence != nil {
		ps := &PersistenceStats{
			Ready:   s.persistence.IsReady(),
			Pending: s.persistence.Pending(),
		}
		if err := s.persistence.LastError(); err != nil {
			ps.LastError = err.Error()
		}
		stats.Persistence = ps
	}

	if s.mqtt != nil {
		stats.MQTT = &MQTTStats{Connected: s.mqtt.IsConnected()}
	}

	writeJSON(w, http.StatusOK, stats)
}

// promLogger adapts the structured logger to promhttp.Logger.
type promLogger struct {
	logger *logging.Logger
}

func (l promLogger) Println(v ...any) {
	l.logger.Error("metrics exposition failed", "error", fmt.Sprint(v...))
}

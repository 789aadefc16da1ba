// Package monitoring serves the health, status and Prometheus endpoints of a
// shard node.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-shard/internal/cpu"
	"github.com/23skdu/longbow-shard/internal/engine"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/shard"
)

const (
	maxAlerts  = 100
	maxHistory = 1000
)

// HealthStatus is the /status document.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Runtime     RuntimeInfo     `json:"runtime"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// RuntimeInfo describes the shard runtime and decode sessions.
type RuntimeInfo struct {
	State         string        `json:"state"`
	Current       *shard.Shard  `json:"current,omitempty"`
	Resident      []shard.Shard `json:"resident"`
	Loads         int64         `json:"loads"`
	Devices       []string      `json:"devices"`
	WeightBytes   int64         `json:"weight_bytes"`
	ScratchBytes  int64         `json:"scratch_bytes"`
	Sessions      int           `json:"sessions"`
	LastDecodeAgo string        `json:"last_decode_ago,omitempty"`
}

type PerformanceInfo struct {
	TokensPerSecond float64 `json:"tokens_per_second"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	Calls           int     `json:"calls"`
}

type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
}

// HealthMonitor reports on one engine.
type HealthMonitor struct {
	engine     *engine.Engine
	version    string
	startTime  time.Time
	server     *http.Server
	mu         sync.RWMutex
	alerts     []Alert
	lastDecode time.Time
	history    []perfPoint
	log        *logger.Logger
}

func NewHealthMonitor(e *engine.Engine, version string) *HealthMonitor {
	return &HealthMonitor{
		engine:    e,
		version:   version,
		startTime: time.Now(),
		log:       logger.Log.With("component", "monitoring"),
	}
}

// Handler exposes the monitoring endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the endpoints on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("Health monitor starting", "addr", addr)
	if err := hm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordDecode notes one engine call producing tokens positions.
func (hm *HealthMonitor) RecordDecode(tokens int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.lastDecode = time.Now()
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: duration})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	if duration > 5*time.Second {
		hm.addAlertLocked("warning", "engine", fmt.Sprintf("Slow decode call: %d positions in %v", tokens, duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Timestamp: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
		"state":     status.Runtime.State,
		"current":   status.Runtime.Current,
		"loads":     status.Runtime.Loads,
		"sessions":  status.Runtime.Sessions,
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert{}, hm.alerts...)
	hm.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status assembles the current health document. Unresolved critical alerts
// make the node critical, unresolved errors make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Runtime:     hm.runtimeInfo(),
		Performance: hm.performance(),
		Alerts:      append([]Alert{}, hm.alerts...),
	}
}

func (hm *HealthMonitor) runtimeInfo() RuntimeInfo {
	rt := hm.engine.Runtime()
	info := RuntimeInfo{
		State:        rt.State().String(),
		Resident:     rt.Resident(),
		Loads:        rt.Loads(),
		Devices:      rt.Mesh().Devices(),
		Sessions:     hm.engine.Sessions(),
		ScratchBytes: cpu.AllocatedBytes(),
	}
	if cur := rt.Current(); cur != nil {
		s := cur.Shard
		info.Current = &s
		info.WeightBytes = cur.Model.NBytes()
	}
	if !hm.lastDecode.IsZero() {
		info.LastDecodeAgo = time.Since(hm.lastDecode).Round(time.Millisecond).String()
	}
	return info
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	if len(hm.history) == 0 {
		return PerformanceInfo{}
	}
	var tokens int
	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		tokens += p.tokens
		total += p.duration
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info := PerformanceInfo{
		AvgLatencyMs: float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6,
		P95LatencyMs: latencies[p95],
		Calls:        len(hm.history),
	}
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}

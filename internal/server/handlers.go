package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/scatter-server/scatter/internal/payload"
)

// maxInjectBody caps the POST /send-message body.
const maxInjectBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func userIDParam(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	return id, err == nil
}

// handleStats dumps the whole statistics map.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.st)
}

// handleStat returns one user's record, zero-valued when unknown.
func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := userIDParam(r)
	if !ok {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.st.Get(id))
}

func (s *Server) handleCheckOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := userIDParam(r)
	if !ok {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isOnline": s.reg.Count(id) > 0})
}

// handleSendMessage injects a payload server-side. For-bot payloads are
// refused: they would bypass the registry entirely, and the REST surface
// is for reaching users.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	p := payload.Parse(body, s.gen, payload.ParseOptions{Preserve: s.cfg.PreserveIDs})
	if !p.IsValid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": p.Err()})
		return
	}
	if p.IsForBot() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "payload addressed only to the bot"})
		return
	}

	s.core.Send(p)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": p.ID()})
}

// handleStatus is the liveness probe.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleHealth reports process resource usage alongside connection
// counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"healthy":        true,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"connections":    s.reg.TotalConnections(),
		"users":          len(s.reg.Users()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			health["memory_mb"] = float64(memInfo.RSS) / 1024 / 1024
		}
		if cpuPct, err := proc.CPUPercent(); err == nil {
			health["cpu_percent"] = cpuPct
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		health["system_memory_used_percent"] = vmem.UsedPercent
	}

	writeJSON(w, http.StatusOK, health)
}

package dashboard

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/scanvault/docsync/internal/schema"
)

// DocStatusData reports a change to one document.
type DocStatusData struct {
	DocumentID string `json:"document_id"`
	// PreviousID is set when a provisional id was replaced by the server id.
	PreviousID string `json:"previous_id,omitempty"`
	Action     string `json:"action"` // created, updated, synced, failed, deleted, purged, renamed
	Status     string `json:"status,omitempty"`
	Name       string `json:"name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StatsData contains document statistics
type StatsData struct {
	Documents int            `json:"documents"`
	Folders   int            `json:"folders"`
	ByStatus  map[string]int `json:"by_status"`
	Pending   int            `json:"pending"`
	Online    bool           `json:"online"`
	LastSync  time.Time      `json:"last_sync,omitempty"`
}

// SyncCompleteData summarizes a finished cycle.
type SyncCompleteData struct {
	Reason   string        `json:"reason"`
	Sent     int           `json:"sent"`
	Rejected int           `json:"rejected"`
	Failed   []string      `json:"failed,omitempty"`
	Fetched  int           `json:"fetched"`
	Purged   int           `json:"purged"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SyncFailedData reports a cycle that stopped early.
type SyncFailedData struct {
	Reason string `json:"reason"`
	Stage  string `json:"stage"` // drain, manifest
	Error  string `json:"error"`
}

// Publisher is where the engine sends status events.
type Publisher interface {
	DocStatus(data DocStatusData)
	SyncComplete(data SyncCompleteData)
	SyncFailed(data SyncFailedData)
}

// Handler formats engine events as dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger
	stats  func() StatsData

	mu       sync.Mutex
	lastSent time.Time
}

// statsThrottle bounds how often stats follow a doc_status burst.
const statsThrottle = 250 * time.Millisecond

// NewHandler creates an event handler connected to a dashboard server.
// stats may be nil.
func NewHandler(server *Server, stats func() StatsData, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, stats: stats, logger: logger}
}

// DocStatus broadcasts a document change followed by updated stats.
func (h *Handler) DocStatus(data DocStatusData) {
	if h == nil {
		return
	}
	h.server.Publish(MessageTypeDocStatus, data)
	h.maybeStats(false)
}

// SyncComplete broadcasts a cycle summary and fresh stats.
func (h *Handler) SyncComplete(data SyncCompleteData) {
	if h == nil {
		return
	}
	h.logger.Printf("Sync complete (%s): %d sent, %d fetched, %d purged in %v",
		data.Reason, data.Sent, data.Fetched, data.Purged, data.Duration)
	h.server.Publish(MessageTypeSyncComplete, data)
	h.maybeStats(true)
}

// SyncFailed broadcasts a cycle failure.
func (h *Handler) SyncFailed(data SyncFailedData) {
	if h == nil {
		return
	}
	h.logger.Printf("Sync failed (%s) during %s: %s", data.Reason, data.Stage, data.Error)
	h.server.Publish(MessageTypeSyncFailed, data)
	h.maybeStats(true)
}

// BroadcastStats sends current statistics to all clients.
func (h *Handler) BroadcastStats() {
	if h == nil || h.stats == nil {
		return
	}
	h.server.Publish(MessageTypeStats, h.stats())
}

func (h *Handler) maybeStats(force bool) {
	if h.stats == nil {
		return
	}
	h.mu.Lock()
	now := time.Now()
	if !force && now.Sub(h.lastSent) < statsThrottle {
		h.mu.Unlock()
		return
	}
	h.lastSent = now
	h.mu.Unlock()
	h.BroadcastStats()
}

// StatusCounts converts per-status counts to their wire form.
func StatusCounts(in map[schema.SyncStatus]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, n := range in {
		out[string(k)] = n
	}
	return out
}

// Package handlers implements the REST API endpoint handlers for HydraDNS.
//
// @title HydraDNS Management API
// @version 1.0
// @description REST API for managing HydraDNS server configuration, zones, and filtering.
//
// @contact.name HydraDNS Support
// @contact.url https://github.com/jroosing/udpiodns
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/udpiodns/internal/config"
	"github.com/jroosing/udpiodns/internal/database"
	"github.com/jroosing/udpiodns/internal/filtering"
	"github.com/jroosing/udpiodns/internal/zone"
)

// DNSStatsSnapshot is a point-in-time view of DNS query statistics, decoupled
// from the server package's own collector so handlers don't need to import it.
type DNSStatsSnapshot struct {
	QueriesTotal uint64
	QueriesUDP   uint64
	QueriesTCP   uint64
	ResponsesNX  uint64
	ResponsesErr uint64
	AvgLatencyMs float64
}

// UDPStatsSnapshot is a point-in-time view of the UDP datagram core's
// reactor/connection-registry statistics.
type UDPStatsSnapshot struct {
	Listeners         int
	ActiveConnections int
	PendingBytes      int64
}

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	db        *database.DB
	logger    *slog.Logger
	startTime time.Time

	// Runtime components (set after server starts)
	policyEngine        *filtering.PolicyEngine
	zones               []*zone.Zone
	dnsStatsFunc        func() DNSStatsSnapshot
	udpStatsFunc        func() UDPStatsSnapshot
	customDNSReloadFunc func() error
	mu                  sync.RWMutex
}

// New creates a new Handler with the given configuration and database.
func New(cfg *config.Config, db *database.DB, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		db:        db,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetPolicyEngine sets the filtering policy engine for runtime access.
func (h *Handler) SetPolicyEngine(pe *filtering.PolicyEngine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policyEngine = pe
}

// GetPolicyEngine returns the currently registered filtering policy engine,
// or nil if filtering isn't enabled.
func (h *Handler) GetPolicyEngine() *filtering.PolicyEngine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policyEngine
}

// SetZones sets the loaded zones for runtime access.
func (h *Handler) SetZones(zones []*zone.Zone) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zones = zones
}

// SetDNSStatsFunc registers a callback used to retrieve a live snapshot of
// DNS query statistics (e.g. backed by server.DNSStats.Snapshot).
func (h *Handler) SetDNSStatsFunc(fn func() DNSStatsSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dnsStatsFunc = fn
}

// GetDNSStatsFunc returns the registered DNS stats callback, or nil.
func (h *Handler) GetDNSStatsFunc() func() DNSStatsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dnsStatsFunc
}

// SetUDPStatsFunc registers a callback used to retrieve a live snapshot of
// the UDP datagram core's reactor/connection-registry statistics.
func (h *Handler) SetUDPStatsFunc(fn func() UDPStatsSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.udpStatsFunc = fn
}

// GetUDPStatsFunc returns the registered UDP stats callback, or nil.
func (h *Handler) GetUDPStatsFunc() func() UDPStatsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.udpStatsFunc
}

// SetCustomDNSReloadFunc registers a callback invoked after custom DNS
// records are mutated through the API, so the running resolver can refresh.
func (h *Handler) SetCustomDNSReloadFunc(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.customDNSReloadFunc = fn
}

// formatRData converts zone record RData to a display string.
func formatRData(rdata any) string {
	if rdata == nil {
		return ""
	}
	return fmt.Sprintf("%v", rdata)
}

// formatRecordType converts a DNS record type to its name.
func formatRecordType(t uint16) string {
	switch t {
	case 1:
		return "A"
	case 2:
		return "NS"
	case 5:
		return "CNAME"
	case 6:
		return "SOA"
	case 12:
		return "PTR"
	case 15:
		return "MX"
	case 16:
		return "TXT"
	case 28:
		return "AAAA"
	default:
		return fmt.Sprintf("TYPE%d", t)
	}
}

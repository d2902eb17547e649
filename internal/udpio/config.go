package udpio

import "time"

// Config holds every tunable spec §6 enumerates for the UDP core. Zero
// values are replaced by DefaultConfig()'s values in NewManager.
type Config struct {
	// NUDPThreads is the number of reactor goroutines the Manager starts.
	NUDPThreads int

	// SlotTime is the duration of one timing-wheel bucket.
	SlotTime time.Duration
	// NSlots is the number of timing-wheel buckets; NSlots*SlotTime is the
	// wheel's scheduling horizon.
	NSlots int
	// LongTermDrainFraction is the fraction of the horizon after which the
	// long-term overflow list is fully spliced back into the wheel and
	// re-added (spec §4.2, §9 open question). Default 0.5.
	LongTermDrainFraction float64

	// RecvBlockSize is the size of each block a recvmsg batch reads into.
	RecvBlockSize int

	// PendingBytesSoftCap is advisory; the core only tracks the counter,
	// exposed via PendingBytes().
	PendingBytesSoftCap int64

	// RecvBufSize, SendBufSize set SO_RCVBUF/SO_SNDBUF. Zero leaves the
	// kernel default.
	RecvBufSize int
	SendBufSize int

	// RestrictedBindMode is carried in the config but not read by the core:
	// Create and CreateAccept return every bind failure to their caller
	// whatever its value.
	RestrictedBindMode bool

	// CancelScanBudget bounds how many wheel buckets a single
	// purgeCancelled pass scans (original_source's FreeCancelledPackets
	// budget, folded in per SPEC_FULL.md §4).
	CancelScanBudget int

	// ReapInterval is how often Manager reaps its deferred-close queue,
	// independent of each reactor's per-tick service cadence (SPEC_FULL.md
	// §4).
	ReapInterval time.Duration
}

// DefaultConfig returns spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		NUDPThreads:           1,
		SlotTime:              20 * time.Millisecond,
		NSlots:                2048,
		LongTermDrainFraction: 0.5,
		RecvBlockSize:         2048,
		PendingBytesSoftCap:   0,
		RecvBufSize:           0,
		SendBufSize:           0,
		RestrictedBindMode:    false,
		CancelScanBudget:      64,
		ReapInterval:          100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.NUDPThreads <= 0 {
		c.NUDPThreads = d.NUDPThreads
	}
	if c.SlotTime <= 0 {
		c.SlotTime = d.SlotTime
	}
	if c.NSlots <= 0 {
		c.NSlots = d.NSlots
	}
	if c.LongTermDrainFraction <= 0 {
		c.LongTermDrainFraction = d.LongTermDrainFraction
	}
	if c.RecvBlockSize <= 0 {
		c.RecvBlockSize = d.RecvBlockSize
	}
	if c.CancelScanBudget <= 0 {
		c.CancelScanBudget = d.CancelScanBudget
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
}

// horizon is the wheel's total scheduling span.
func (c *Config) horizon() int64 {
	return int64(c.SlotTime) * int64(c.NSlots)
}

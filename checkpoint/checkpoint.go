// Package checkpoint implements BLite's checkpoint manager: applying
// committed WAL records to the PageFile and truncating the log once they
// are durably installed.
package checkpoint

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
	"github.com/blitedb/blite/wal"
)

// Mode selects how aggressively Run reclaims WAL space.
type Mode int

const (
	// Passive is best-effort: applies committed writes, does not truncate.
	Passive Mode = iota
	// Full is Passive plus an explicit final sync.
	Full
	// Truncate is Full plus truncating the WAL to zero bytes.
	Truncate
	// Restart is Truncate plus resetting in-memory position counters and
	// dropping the page cache.
	Restart
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "Passive"
	case Full:
		return "Full"
	case Truncate:
		return "Truncate"
	case Restart:
		return "Restart"
	default:
		return "Unknown"
	}
}

const (
	DefaultSizeThresholdBytes = 10 << 20 // 10 MiB
	DefaultInterval           = 30 * time.Second
)

// Options configures a Manager's automatic triggers.
type Options struct {
	SizeThresholdBytes int64
	Interval           time.Duration
}

func (o Options) normalized() Options {
	if o.SizeThresholdBytes == 0 {
		o.SizeThresholdBytes = DefaultSizeThresholdBytes
	}
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Manager runs checkpoint passes on a periodic cron schedule (Start), or on
// WAL size growth past a threshold when MaybeCheckpoint is called; nothing
// in this module calls MaybeCheckpoint, so the size threshold applies only
// where a caller invokes it.
type Manager struct {
	mu sync.Mutex

	pf     *storage.PageFile
	log    *wal.WAL
	txnMgr *txn.Manager

	sizeThreshold     int64
	interval          time.Duration
	lastCheckpointPos int64

	cron *cron.Cron
}

func NewManager(pf *storage.PageFile, log *wal.WAL, txnMgr *txn.Manager, opts Options) *Manager {
	opts = opts.normalized()
	return &Manager{
		pf:            pf,
		log:           log,
		txnMgr:        txnMgr,
		sizeThreshold: opts.SizeThresholdBytes,
		interval:      opts.Interval,
	}
}

// Start schedules a Passive checkpoint on the configured interval.
func (m *Manager) Start() error {
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, func() {
		if err := m.Run(Passive); err != nil {
			slog.Warn("checkpoint.Manager.Run: interval trigger failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("checkpoint: schedule interval trigger: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop cancels the periodic schedule, waiting for any in-flight run.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// MaybeCheckpoint runs a Passive checkpoint if the WAL has grown past the
// size threshold since the last pass. Commits do not call it on their own.
func (m *Manager) MaybeCheckpoint() error {
	length, err := m.log.Length()
	if err != nil {
		return err
	}
	m.mu.Lock()
	due := length-m.lastCheckpointPos >= m.sizeThreshold
	m.mu.Unlock()
	if !due {
		return nil
	}
	return m.Run(Passive)
}

// Run executes one checkpoint pass in the given mode.
func (m *Manager) Run(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	length, err := m.log.Length()
	if err != nil {
		return fmt.Errorf("checkpoint: wal length: %w", err)
	}
	records, err := m.log.ReadUpTo(length)
	if err != nil {
		return fmt.Errorf("checkpoint: read wal: %w", err)
	}

	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	for _, r := range records {
		switch r.Type {
		case wal.RecordCommit:
			committed[r.TxnID] = true
		case wal.RecordAbort:
			aborted[r.TxnID] = true
		}
	}

	for _, r := range records {
		if r.Type != wal.RecordWrite {
			continue
		}
		if !committed[r.TxnID] || aborted[r.TxnID] {
			continue
		}
		if err := m.pf.WritePageRaw(r.PageID, r.After); err != nil {
			return fmt.Errorf("checkpoint: apply page %d: %w", r.PageID, err)
		}
	}

	if err := m.pf.Flush(); err != nil {
		return fmt.Errorf("checkpoint: sync pagefile: %w", err)
	}

	for id := range committed {
		m.txnMgr.Forget(id)
	}

	switch mode {
	case Truncate, Restart:
		if err := m.log.Truncate(); err != nil {
			return fmt.Errorf("checkpoint: truncate wal: %w", err)
		}
		m.lastCheckpointPos = 0
		if mode == Restart {
			m.pf.ClearCache()
		}
	default:
		m.lastCheckpointPos = length
	}
	return nil
}

// Recover replays the WAL in Truncate mode, for use immediately after
// opening a database that may have crashed mid-transaction. A zero-length
// WAL means the database is already consistent and Recover is a no-op.
func (m *Manager) Recover() error {
	length, err := m.log.Length()
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return m.Run(Truncate)
}

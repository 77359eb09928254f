package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// Ledger is the durable record of consumed capacity per shard, in megabytes.
// It is the only vault state that must survive process restarts. Multiple
// vault processes may share one ledger file; every commit runs the full
// read-modify-write under a file lock so concurrent processes cannot clobber
// each other's updates.
type Ledger struct {
	path string
	fl   *flock.Flock
	mu   sync.Mutex
}

// NewLedger creates a ledger backed by the JSON file at path.
// An absent file means all-zero usage.
func NewLedger(path string) *Ledger {
	return &Ledger{
		path: path,
		fl:   flock.New(path + ".lock"),
	}
}

// Load returns the current usage snapshot. Missing shards default to 0.0.
// An unreadable or corrupt file falls back to an all-zero map: the vault
// prefers risking over-admission over refusing all traffic.
func (l *Ledger) Load() map[int]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// Usage returns the recorded usage for a single shard.
func (l *Ledger) Usage(shard int) float64 {
	return l.Load()[shard]
}

// Commit applies used += deltaMB for the shard, clamped at a floor of 0.0.
// A release larger than the recorded usage is clamped, not an error, because
// the ledger may already be stale relative to disk state.
func (l *Ledger) Commit(shard int, deltaMB float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = l.fl.Unlock() }()

	usage := l.read()
	usage[shard] += deltaMB
	if usage[shard] < 0 {
		usage[shard] = 0
	}

	return l.write(usage)
}

// Reset overwrites the whole snapshot. Used when rebuilding usage from disk
// state at startup.
func (l *Ledger) Reset(usage map[int]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer func() { _ = l.fl.Unlock() }()

	return l.write(usage)
}

// read loads the ledger file without taking locks.
// The on-disk format is shard id string -> used MB float.
func (l *Ledger) read() map[int]float64 {
	usage := make(map[int]float64)

	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", l.path).Msg("ledger unreadable, assuming zero usage")
		}
		return usage
	}

	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("ledger corrupt, assuming zero usage")
		return usage
	}

	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil || v < 0 {
			log.Warn().Str("shard", k).Float64("used_mb", v).Msg("dropping bad ledger entry")
			continue
		}
		usage[id] = v
	}
	return usage
}

// write persists the snapshot atomically: temp file, fsync, rename.
func (l *Ledger) write(usage map[int]float64) error {
	raw := make(map[string]float64, len(usage))
	for id, v := range usage {
		raw[strconv.Itoa(id)] = v
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close ledger: %w", err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

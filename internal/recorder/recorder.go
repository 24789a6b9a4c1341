// Package recorder persists balance snapshots to disk using msgpack, so a
// restart can recover reservations and positions instead of trusting
// exchange balance queries alone to reconstruct state.
//
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save — the same
// discipline the teacher's internal/store package used for JSON position
// files, carried over to a single binary snapshot instead of one file per
// market.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shiori-quant/ledgerman/internal/balance"
)

// Recorder persists balance.Snapshot values to a directory on disk. All
// operations are mutex-protected to prevent concurrent file corruption.
type Recorder struct {
	dir string
	mu  sync.Mutex
}

// Open creates a Recorder backed by the given directory, creating it if
// necessary.
func Open(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recorder dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (r *Recorder) Close() error {
	return nil
}

func (r *Recorder) snapshotPath() string {
	return filepath.Join(r.dir, "balances.msgpack")
}

// SaveBalances atomically persists the given snapshot, satisfying
// balance.Recorder. It writes to a .tmp file first, then renames over the
// target so the file is never left in a partial state.
func (r *Recorder) SaveBalances(snapshot balance.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := r.snapshotPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadBalances restores the most recently saved snapshot from disk.
// Returns nil, nil if no snapshot has ever been saved (fresh start).
func (r *Recorder) LoadBalances() (*balance.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot balance.Snapshot
	if err := msgpack.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

var _ balance.Recorder = (*Recorder)(nil)

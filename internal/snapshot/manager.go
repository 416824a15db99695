// Package snapshot captures and restores point-in-time system state for
// rollback. Each snapshot is one self-describing JSON file; writes are
// atomic (temp file + rename) and verified by immediate read-back.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mendhq/mend/internal/collab"
	"github.com/mendhq/mend/internal/events"
)

// Type categorizes why a snapshot was taken.
type Type string

const (
	// TypePreRepair is taken by the pipeline's SNAPSHOT stage
	TypePreRepair Type = "PRE_REPAIR"
	// TypeManual is taken on operator request
	TypeManual Type = "MANUAL"
	// TypeEmergency is taken when rollback re-captures regressed state
	TypeEmergency Type = "EMERGENCY"
)

// Payload is the serialized observable state: one sample per collaborator
// plus the core's internal counters.
type Payload struct {
	Samples  map[string]*collab.Sample `json:"samples"`
	Counters map[string]int64          `json:"counters"`
}

// Snapshot describes one stored capture. The payload lives on disk; the
// in-memory record carries metadata only.
type Snapshot struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
	Verified  bool      `json:"verified"`
}

// record is the on-disk file format.
type record struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Checksum  string          `json:"checksum"`
	Payload   json.RawMessage `json:"payload"`
}

// Manager stores snapshots under one directory with FIFO retention.
// A snapshot pinned by an in-flight cycle is never evicted.
type Manager struct {
	mu sync.Mutex

	dir       string
	cap       int
	publisher *events.Publisher

	order  []string // snapshot IDs, oldest first
	metas  map[string]*Snapshot
	pinned map[string]int
}

// NewManager creates a snapshot manager rooted at dir, loading any
// snapshots already present.
func NewManager(dir string, maxSnapshots int, publisher *events.Publisher) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if maxSnapshots <= 0 {
		return nil, fmt.Errorf("max snapshots must be positive, got %d", maxSnapshots)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	m := &Manager{
		dir:       dir,
		cap:       maxSnapshots,
		publisher: publisher,
		metas:     make(map[string]*Snapshot),
		pinned:    make(map[string]int),
	}
	if err := m.loadExisting(); err != nil {
		return nil, fmt.Errorf("loading existing snapshots: %w", err)
	}
	return m, nil
}

// loadExisting indexes snapshot files already in the directory.
func (m *Manager) loadExisting() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	var loaded []*Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := m.readRecord(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			// A corrupt leftover file is skipped, not fatal. It will be
			// rejected again at restore time.
			fmt.Printf("Snapshot: skipping unreadable file %s: %v\n", entry.Name(), err)
			continue
		}
		loaded = append(loaded, &Snapshot{
			ID:        rec.ID,
			Type:      rec.Type,
			Timestamp: rec.Timestamp,
			Checksum:  rec.Checksum,
			Verified:  true,
		})
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Timestamp.Before(loaded[j].Timestamp) })
	for _, snap := range loaded {
		m.metas[snap.ID] = snap
		m.order = append(m.order, snap.ID)
	}
	return nil
}

// Create serializes the payload, writes it durably, and verifies it by
// read-back. The returned snapshot has Verified set only when the stored
// bytes round-trip with a matching checksum.
func (m *Manager) Create(ctx context.Context, typ Type, payload *Payload) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing payload: %w", err)
	}

	snap := &Snapshot{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Checksum:  checksum(raw),
	}
	rec := record{
		ID:        snap.ID,
		Type:      snap.Type,
		Timestamp: snap.Timestamp,
		Checksum:  snap.Checksum,
		Payload:   raw,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing snapshot record: %w", err)
	}

	// Write atomically using temp file + rename.
	path := m.path(snap.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return nil, fmt.Errorf("writing snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("committing snapshot file: %w", err)
	}

	// Read-back verification: the cycle may not proceed past SNAPSHOT
	// until durability is confirmed.
	stored, err := m.readRecord(path)
	if err != nil {
		return nil, fmt.Errorf("read-back verification failed: %w", err)
	}
	if stored.Checksum != snap.Checksum {
		return nil, fmt.Errorf("read-back verification failed: checksum mismatch")
	}
	snap.Verified = true

	m.mu.Lock()
	m.metas[snap.ID] = snap
	m.order = append(m.order, snap.ID)
	m.evictLocked()
	m.mu.Unlock()

	m.publisher.Publish(events.EventSnapshotCreated, "snapshot",
		fmt.Sprintf("%s snapshot %s verified", typ, snap.ID),
		map[string]interface{}{"snapshot_id": snap.ID, "type": string(typ)})

	out := *snap
	return &out, nil
}

// Restore loads and validates the snapshot payload. It returns false on
// unknown id or corrupt payload; it never partially returns state.
func (m *Manager) Restore(ctx context.Context, id string) (*Payload, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	m.mu.Lock()
	_, known := m.metas[id]
	m.mu.Unlock()
	if !known {
		return nil, false
	}

	rec, err := m.readRecord(m.path(id))
	if err != nil {
		fmt.Printf("Snapshot: restore of %s failed: %v\n", id, err)
		return nil, false
	}

	var payload Payload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		fmt.Printf("Snapshot: restore of %s failed: corrupt payload: %v\n", id, err)
		return nil, false
	}
	return &payload, true
}

// readRecord reads and checksum-validates one snapshot file.
func (m *Manager) readRecord(path string) (*record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing snapshot file: %w", err)
	}
	if rec.ID == "" || len(rec.Payload) == 0 {
		return nil, fmt.Errorf("snapshot file missing id or payload")
	}
	if checksum(rec.Payload) != rec.Checksum {
		return nil, fmt.Errorf("payload checksum mismatch")
	}
	return &rec, nil
}

// Pin protects a snapshot from eviction while a cycle references it.
func (m *Manager) Pin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[id]++
}

// Unpin releases a pin.
func (m *Manager) Unpin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned[id] <= 1 {
		delete(m.pinned, id)
	} else {
		m.pinned[id]--
	}
	m.evictLocked()
}

// evictLocked drops the oldest unpinned snapshots beyond the cap.
// Caller must hold m.mu.
func (m *Manager) evictLocked() {
	for len(m.order) > m.cap {
		evicted := false
		for i, id := range m.order {
			if m.pinned[id] > 0 {
				continue
			}
			m.order = append(m.order[:i], m.order[i+1:]...)
			delete(m.metas, id)
			if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
				fmt.Printf("Snapshot: failed to remove evicted snapshot %s: %v\n", id, err)
			}
			evicted = true
			break
		}
		if !evicted {
			// Everything over the cap is pinned by in-flight cycles.
			return
		}
	}
}

// Get returns a copy of one snapshot's metadata.
func (m *Manager) Get(id string) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.metas[id]
	if !ok {
		return nil, false
	}
	out := *snap
	return &out, true
}

// List returns copies of all snapshot metadata, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.metas[id])
	}
	return out
}

// Count returns how many snapshots are retained.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

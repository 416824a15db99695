package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/collab"
)

func testPayload(errorRate float64) *Payload {
	return &Payload{
		Samples: map[string]*collab.Sample{
			"orchestrator": {
				Values:  map[string]float64{collab.KeyErrorRate: errorRate},
				TakenAt: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
			},
		},
		Counters: map[string]int64{"faults_total": 3},
	}
}

// TestCreateAndRestoreRoundTrip verifies a created snapshot restores to an
// identical payload.
func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir(), 10, nil)
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := m.Create(ctx, TypePreRepair, testPayload(0.07))
	require.NoError(t, err)
	assert.True(t, snap.Verified, "read-back verification must pass")
	assert.NotEmpty(t, snap.Checksum)

	payload, ok := m.Restore(ctx, snap.ID)
	require.True(t, ok)
	assert.Equal(t, 0.07, payload.Samples["orchestrator"].Values[collab.KeyErrorRate])
	assert.Equal(t, int64(3), payload.Counters["faults_total"])
}

// TestRestoreUnknownID verifies restore of a nonexistent snapshot fails
// cleanly.
func TestRestoreUnknownID(t *testing.T) {
	m, err := NewManager(t.TempDir(), 10, nil)
	require.NoError(t, err)

	payload, ok := m.Restore(context.Background(), "no-such-snapshot")
	assert.False(t, ok)
	assert.Nil(t, payload)
}

// TestRestoreRejectsCorruptPayload verifies a tampered snapshot file never
// partially restores.
func TestRestoreRejectsCorruptPayload(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 10, nil)
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := m.Create(ctx, TypePreRepair, testPayload(0.07))
	require.NoError(t, err)

	// Flip bytes in the stored file.
	path := filepath.Join(dir, snap.ID+".json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	payload, ok := m.Restore(ctx, snap.ID)
	assert.False(t, ok, "corrupt payload must be rejected")
	assert.Nil(t, payload)
}

// TestFIFOEviction verifies the oldest snapshot is evicted at the cap.
func TestFIFOEviction(t *testing.T) {
	m, err := NewManager(t.TempDir(), 3, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := m.Create(ctx, TypeManual, testPayload(float64(i)/100))
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	assert.Equal(t, 3, m.Count())
	_, ok := m.Get(ids[0])
	assert.False(t, ok, "oldest must be evicted")
	_, ok = m.Get(ids[1])
	assert.False(t, ok)
	_, ok = m.Get(ids[4])
	assert.True(t, ok)
}

// TestPinnedSnapshotSurvivesEviction verifies a pinned snapshot is skipped
// by eviction until unpinned.
func TestPinnedSnapshotSurvivesEviction(t *testing.T) {
	m, err := NewManager(t.TempDir(), 2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.Create(ctx, TypePreRepair, testPayload(0.01))
	require.NoError(t, err)
	m.Pin(first.ID)

	for i := 0; i < 4; i++ {
		_, err := m.Create(ctx, TypeManual, testPayload(float64(i)/100))
		require.NoError(t, err)
	}

	_, ok := m.Get(first.ID)
	assert.True(t, ok, "pinned snapshot must survive")

	m.Unpin(first.ID)
	_, err = m.Create(ctx, TypeManual, testPayload(0.09))
	require.NoError(t, err)

	_, ok = m.Get(first.ID)
	assert.False(t, ok, "once unpinned, the oldest is evicted first")
	assert.Equal(t, 2, m.Count())
}

// TestLoadExistingSnapshots verifies a new manager indexes snapshots left
// on disk by a previous run.
func TestLoadExistingSnapshots(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m1, err := NewManager(dir, 10, nil)
	require.NoError(t, err)
	snap, err := m1.Create(ctx, TypeManual, testPayload(0.05))
	require.NoError(t, err)

	m2, err := NewManager(dir, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m2.Count())

	payload, ok := m2.Restore(ctx, snap.ID)
	require.True(t, ok)
	assert.Equal(t, 0.05, payload.Samples["orchestrator"].Values[collab.KeyErrorRate])
}

// TestListOrder verifies List returns snapshots oldest first.
func TestListOrder(t *testing.T) {
	m, err := NewManager(t.TempDir(), 10, nil)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := m.Create(ctx, TypeManual, testPayload(0.01))
	require.NoError(t, err)
	b, err := m.Create(ctx, TypePreRepair, testPayload(0.02))
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

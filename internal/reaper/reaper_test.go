package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/pgstore"
)

type fakePersistent struct {
	rows     []pgstore.Sandbox
	statuses map[string]pgstore.Status
}

func (f *fakePersistent) ListActiveSandboxes() ([]pgstore.Sandbox, error) { return f.rows, nil }

func (f *fakePersistent) UpdateSandboxStatus(id string, status pgstore.Status) error {
	if f.statuses == nil {
		f.statuses = make(map[string]pgstore.Status)
	}
	f.statuses[id] = status
	return nil
}

type fakeEphemeral struct {
	live map[string]bool
}

func (f *fakeEphemeral) Exists(_ context.Context, key string) (bool, error) {
	return f.live[key], nil
}

type fakeContainers struct {
	cleanedWith map[string]bool
}

func (f *fakeContainers) Stop(context.Context, string) error   { return nil }
func (f *fakeContainers) Remove(context.Context, string) error { return nil }
func (f *fakeContainers) CleanOrphans(_ context.Context, known map[string]bool) {
	f.cleanedWith = known
}

type fakePorts struct {
	orphanPorts []int64
	owners      map[int64]string
	released    []string
}

func (f *fakePorts) OrphanScan(context.Context) ([]int64, error) { return f.orphanPorts, nil }

func (f *fakePorts) AllocationSandbox(_ context.Context, hostPort int64) (string, bool, error) {
	id, ok := f.owners[hostPort]
	return id, ok, nil
}

func (f *fakePorts) ReleaseAll(_ context.Context, sandboxID string) error {
	f.released = append(f.released, sandboxID)
	return nil
}

func TestSweepExpiredSandboxesMarksExpiredWhenLiveKeyMissing(t *testing.T) {
	persistent := &fakePersistent{rows: []pgstore.Sandbox{
		{ID: "sbx-1", Status: pgstore.StatusActive},
		{ID: "sbx-2", Status: pgstore.StatusActive},
	}}
	ephemeral := &fakeEphemeral{live: map[string]bool{"sandboxlive:sbx-2": true}}
	ports := &fakePorts{}
	r := New(persistent, ephemeral, &fakeContainers{}, ports, time.Minute)

	r.sweepExpiredSandboxes(context.Background())

	assert.Equal(t, pgstore.StatusExpired, persistent.statuses["sbx-1"])
	_, stillActive := persistent.statuses["sbx-2"]
	assert.False(t, stillActive, "sandbox with a live projection must not be expired")
	assert.Contains(t, ports.released, "sbx-1")
}

func TestSweepOrphanContainersPassesKnownActiveIDs(t *testing.T) {
	persistent := &fakePersistent{rows: []pgstore.Sandbox{{ID: "sbx-1", Status: pgstore.StatusActive}}}
	containers := &fakeContainers{}
	r := New(persistent, &fakeEphemeral{}, containers, &fakePorts{}, time.Minute)

	r.sweepOrphanContainers(context.Background())

	require.NotNil(t, containers.cleanedWith)
	assert.True(t, containers.cleanedWith["sbx-1"])
}

func TestSweepOrphanPortsReleasesOnlyOrphans(t *testing.T) {
	ports := &fakePorts{
		orphanPorts: []int64{30001, 30002},
		owners:      map[int64]string{30001: "sbx-orphan", 30002: "sbx-live"},
	}
	ephemeral := &fakeEphemeral{live: map[string]bool{"sandboxlive:sbx-live": true}}
	r := New(&fakePersistent{}, ephemeral, &fakeContainers{}, ports, time.Minute)

	r.sweepOrphanPorts(context.Background())

	assert.Equal(t, []string{"sbx-orphan"}, ports.released)
}

package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")

	want := &File{
		TakenAt:    time.Now(),
		ListenAddr: "0.0.0.0:19132",
		Clients: []ClientRecord{
			{ClientAddr: "203.0.113.5:54321", ServerAddr: "127.0.0.1:19133", UpstreamBindAddr: "0.0.0.0:0"},
		},
	}
	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ListenAddr, got.ListenAddr)
	assert.Equal(t, want.Clients, got.Clients)
	assert.WithinDuration(t, want.TakenAt, got.TakenAt, time.Second)
}

func TestReadMissingFileIsNotAnError(t *testing.T) {
	got, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestHasExpired(t *testing.T) {
	fresh := &File{TakenAt: time.Now()}
	assert.False(t, fresh.HasExpired())

	stale := &File{TakenAt: time.Now().Add(-time.Minute)}
	assert.True(t, stale.HasExpired())
}

package ifit

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownDeviceStore_PersistsAcrossInstances(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	path := filepath.Join(t.TempDir(), "nested", "known_device.json")

	store := NewKnownDeviceStore(path, logger)
	_, ok := store.Get()
	assert.False(t, ok)

	when := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	store.Remember(KnownDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "I_TL", LastConnect: when})

	reloaded := NewKnownDeviceStore(path, logger)
	got, ok := reloaded.Get()
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.Address)
	assert.Equal(t, "I_TL", got.Name)
	assert.True(t, when.Equal(got.LastConnect))
}

func TestKnownDeviceStore_CorruptFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_device.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	store := NewKnownDeviceStore(path, log.New(io.Discard, "", 0))
	_, ok := store.Get()
	assert.False(t, ok)
}

func TestKnownDeviceStore_InMemory(t *testing.T) {
	store := NewKnownDeviceStore("", log.New(io.Discard, "", 0))
	store.Remember(KnownDevice{Address: "11:22"})
	got, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "11:22", got.Address)
}

package ifit

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// KnownDevice is the last treadmill the client completed a handshake with
type KnownDevice struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	LastConnect time.Time `json:"last_connect"`
}

// KnownDeviceStore keeps the last treadmill in a small JSON file so a
// rescan can match it by address even when the advertisement has no name
type KnownDeviceStore struct {
	mu       sync.Mutex
	filePath string
	device   KnownDevice
	logger   *log.Logger
}

// DefaultKnownDevicePath is ~/.treadmill-bridge/known_device.json
func DefaultKnownDevicePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".treadmill-bridge", "known_device.json")
}

// NewKnownDeviceStore loads filePath if it exists. An empty filePath keeps
// the store in memory only.
func NewKnownDeviceStore(filePath string, logger *log.Logger) *KnownDeviceStore {
	if logger == nil {
		panic("KnownDeviceStore: logger cannot be nil")
	}
	s := &KnownDeviceStore{filePath: filePath, logger: logger}
	s.load()
	return s
}

func (s *KnownDeviceStore) Get() (KnownDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.device.Address != ""
}

// Remember stores device and persists it
func (s *KnownDeviceStore) Remember(device KnownDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = device
	s.save()
}

func (s *KnownDeviceStore) load() {
	if s.filePath == "" {
		return
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		s.logger.Printf("KnownDeviceStore: load %s (no existing file)", s.filePath)
		return
	}
	var d KnownDevice
	if err := json.Unmarshal(raw, &d); err != nil {
		s.logger.Printf("KnownDeviceStore: load %s failed to parse: %v", s.filePath, err)
		return
	}
	s.device = d
	s.logger.Printf("KnownDeviceStore: load %s -> %s (%s)", s.filePath, d.Name, d.Address)
}

// save must be called with s.mu held
func (s *KnownDeviceStore) save() {
	if s.filePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		s.logger.Printf("KnownDeviceStore: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(s.device, "", "  ")
	if err != nil {
		s.logger.Printf("KnownDeviceStore: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(s.filePath, raw, 0644); err != nil {
		s.logger.Printf("KnownDeviceStore: save %s failed: %v", s.filePath, err)
		return
	}
	s.logger.Printf("KnownDeviceStore: save %s -> %s (%s)", s.filePath, s.device.Name, s.device.Address)
}

// Package store persists the last device, the device history, the saved
// password and the last reading per device. Values are JSON documents under
// string keys, so any key-value backend can serve it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/reading"
)

const (
	keyLastDevice  = "last_device"
	keyHistory     = "device_history"
	keyCredentials = "device_credentials"
	prefixReading  = "meter_data_"

	// HistoryLimit is how many devices the history keeps.
	HistoryLimit = 10
)

// ErrEmptyPassword is returned when saving a blank credential.
var ErrEmptyPassword = errors.New("password is empty")

// Gateway is what the engine persists through. Every method is best-effort
// from the engine's point of view.
type Gateway interface {
	LastDevice(ctx context.Context) (*device.Descriptor, error)
	SaveLastDevice(ctx context.Context, d device.Descriptor) error
	CachedReading(ctx context.Context, address string) (*reading.Reading, error)
	SaveCachedReading(ctx context.Context, address string, r reading.Reading) error
	Credential(ctx context.Context) (string, error)
	SaveCredential(ctx context.Context, password string) error
	ClearCredential(ctx context.Context) error
	DeviceHistory(ctx context.Context) ([]HistoryEntry, error)
	AddToHistory(ctx context.Context, d device.Descriptor) error
	ClearCache(ctx context.Context) error
	Close() error
}

// HistoryEntry is a previously connected device.
type HistoryEntry struct {
	device.Descriptor
	LastConnected time.Time `json:"lastConnected"`
}

// Backend is a flat key-value space.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// Store implements Gateway on top of a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

// New creates a new Store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// NewMemory creates a Store that lives only as long as the process.
func NewMemory() *Store {
	return New(NewMemoryBackend())
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, key, b); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// LastDevice returns the last connected device, or nil.
func (s *Store) LastDevice(ctx context.Context) (*device.Descriptor, error) {
	var d device.Descriptor
	ok, err := s.getJSON(ctx, keyLastDevice, &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

func (s *Store) SaveLastDevice(ctx context.Context, d device.Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}
	return s.putJSON(ctx, keyLastDevice, d)
}

func readingKey(address string) string {
	return prefixReading + strings.TrimSpace(address)
}

// CachedReading returns the last reading stored for address, or nil.
func (s *Store) CachedReading(ctx context.Context, address string) (*reading.Reading, error) {
	if strings.TrimSpace(address) == "" {
		return nil, nil
	}
	var r reading.Reading
	ok, err := s.getJSON(ctx, readingKey(address), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveCachedReading(ctx context.Context, address string, r reading.Reading) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("device address is required")
	}
	return s.putJSON(ctx, readingKey(address), r)
}

// Credential returns the saved password, or "" when none is saved.
func (s *Store) Credential(ctx context.Context) (string, error) {
	var password string
	if _, err := s.getJSON(ctx, keyCredentials, &password); err != nil {
		return "", err
	}
	return password, nil
}

func (s *Store) SaveCredential(ctx context.Context, password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	return s.putJSON(ctx, keyCredentials, password)
}

func (s *Store) ClearCredential(ctx context.Context) error {
	if err := s.backend.Delete(ctx, keyCredentials); err != nil {
		return fmt.Errorf("failed to delete %s: %w", keyCredentials, err)
	}
	return nil
}

// DeviceHistory returns known devices, most recently connected first.
// Entries without an address or serial number are dropped.
func (s *Store) DeviceHistory(ctx context.Context) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if _, err := s.getJSON(ctx, keyHistory, &entries); err != nil {
		return nil, err
	}
	valid := entries[:0]
	for _, e := range entries {
		if e.Address != "" && e.SerialNumber != "" {
			valid = append(valid, e)
		}
	}
	return valid, nil
}

// AddToHistory records d as just connected. A device already known by
// address is updated in place; a new one goes to the front.
func (s *Store) AddToHistory(ctx context.Context, d device.Descriptor) error {
	if d.Address == "" || d.SerialNumber == "" {
		return fmt.Errorf("device needs an address and a serial number for the history")
	}
	entries, err := s.DeviceHistory(ctx)
	if err != nil {
		return err
	}

	entry := HistoryEntry{Descriptor: d, LastConnected: s.now().UTC()}
	replaced := false
	for i := range entries {
		if entries[i].Address == d.Address {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append([]HistoryEntry{entry}, entries...)
	}
	if len(entries) > HistoryLimit {
		entries = entries[:HistoryLimit]
	}
	return s.putJSON(ctx, keyHistory, entries)
}

// ClearCache drops cached readings and the device history. The last device
// and the saved password survive.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.backend.DeletePrefix(ctx, prefixReading); err != nil {
		return fmt.Errorf("failed to delete cached readings: %w", err)
	}
	if err := s.backend.Delete(ctx, keyHistory); err != nil {
		return fmt.Errorf("failed to delete %s: %w", keyHistory, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

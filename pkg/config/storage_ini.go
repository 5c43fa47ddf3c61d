package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/canrise/isotp-go/pkg/isotp"
	"gopkg.in/ini.v1"
)

// FileStore persists Configuration as a single-section .ini file, the same
// key/value-pairs-under-a-section format the rest of this stack's ancestry
// uses for on-disk records.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   chan Configuration
	done    chan struct{}
	stopped bool
}

// NewFileStore opens (or prepares to create) path as the backing file for
// a Configuration record.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{
		path:   path,
		logger: logger.With("service", "[CONFIG]"),
		queue:  make(chan Configuration, 1),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s
}

// Load reads the persisted record. A missing or unparsable file is not an
// error: it yields Default(), so first-run behaves like a brand new node.
func (s *FileStore) Load() (Configuration, error) {
	cfg := Default()
	iniFile, err := ini.Load(s.path)
	if err != nil {
		s.logger.Info("no persisted configuration found, using defaults", "path", s.path)
		return cfg, nil
	}

	section := iniFile.Section("node")
	if id, err := section.Key("NodeId").Uint(); err == nil {
		cfg.NodeID = isotp.NodeID(id)
	}
	if raw := section.Key("EUI64").String(); raw != "" {
		if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == len(cfg.EUI64) {
			copy(cfg.EUI64[:], decoded)
		}
	}
	if bs, err := section.Key("BlockSize").Uint(); err == nil {
		cfg.BlockSize = uint8(bs)
	}
	if stmin, err := section.Key("STminMicros").Int64(); err == nil {
		cfg.STmin = time.Duration(stmin) * time.Microsecond
	}
	if wft, err := section.Key("MaxWFT").Uint(); err == nil {
		cfg.MaxWFT = uint8(wft)
	}
	cfg.NAs = durationKey(section, "NAsMillis", cfg.NAs)
	cfg.NBs = durationKey(section, "NBsMillis", cfg.NBs)
	cfg.NCr = durationKey(section, "NCrMillis", cfg.NCr)
	cfg.ReportPeriod = durationKey(section, "ReportPeriodMillis", cfg.ReportPeriod)
	cfg.ResponseDelay = durationKey(section, "ResponseDelayMillis", cfg.ResponseDelay)
	return cfg, nil
}

func durationKey(section *ini.Section, key string, fallback time.Duration) time.Duration {
	ms, err := section.Key(key).Int64()
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// SaveQueued enqueues cfg for the background writer, replacing any record
// still waiting to be flushed. It never blocks the caller on disk I/O.
func (s *FileStore) SaveQueued(cfg Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case <-s.queue:
	default:
	}
	s.queue <- cfg
}

func (s *FileStore) writer() {
	for {
		select {
		case cfg := <-s.queue:
			if err := s.save(cfg); err != nil {
				s.logger.Warn("failed to persist configuration", "err", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *FileStore) save(cfg Configuration) error {
	iniFile := ini.Empty()
	section, err := iniFile.NewSection("node")
	if err != nil {
		return fmt.Errorf("config: create section: %w", err)
	}

	setKeys := []struct {
		key, value string
	}{
		{"NodeId", strconv.FormatUint(uint64(cfg.NodeID), 10)},
		{"EUI64", hex.EncodeToString(cfg.EUI64[:])},
		{"BlockSize", strconv.FormatUint(uint64(cfg.BlockSize), 10)},
		{"STminMicros", strconv.FormatInt(cfg.STmin.Microseconds(), 10)},
		{"MaxWFT", strconv.FormatUint(uint64(cfg.MaxWFT), 10)},
		{"NAsMillis", strconv.FormatInt(cfg.NAs.Milliseconds(), 10)},
		{"NBsMillis", strconv.FormatInt(cfg.NBs.Milliseconds(), 10)},
		{"NCrMillis", strconv.FormatInt(cfg.NCr.Milliseconds(), 10)},
		{"ReportPeriodMillis", strconv.FormatInt(cfg.ReportPeriod.Milliseconds(), 10)},
		{"ResponseDelayMillis", strconv.FormatInt(cfg.ResponseDelay.Milliseconds(), 10)},
	}
	for _, kv := range setKeys {
		if _, err := section.NewKey(kv.key, kv.value); err != nil {
			return fmt.Errorf("config: write key %s: %w", kv.key, err)
		}
	}
	return iniFile.SaveTo(s.path)
}

// Close flushes any pending save synchronously and stops the writer.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	var pending *Configuration
	select {
	case cfg := <-s.queue:
		pending = &cfg
	default:
	}
	s.mu.Unlock()

	close(s.done)
	if pending != nil {
		return s.save(*pending)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

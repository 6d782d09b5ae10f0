// Package store provides durable, crash-safe persistence for triggers,
// execution logs, and tenant configuration using JSON files.
//
// On-disk layout, rooted at the configured data directory:
//
//	users/{tenantId}/config.json                 — tenant config (whole-file atomic replace)
//	users/{tenantId}/brokers/{name}.json         — broker credentials
//	users/{tenantId}/triggers/{triggerId}.json   — one trigger per file
//	users/{tenantId}/trigger_logs/{id}.jsonl     — append-only execution log
//	users/.locks/                                — named lock files
//
// Whole-file writes go to a .tmp file first, then rename over the target, so
// a file is never left in a partial state. Log writes are O_APPEND single-line
// appends. Both are bracketed by named file locks (see locks.go). Reads take
// no locks: updates are whole-file replacements or appends, and callers
// tolerate an instant-stale read.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"trigger-engine/pkg/types"
)

// ErrCorrupt marks a record that failed to decode. Enumerations log and skip
// such records; point reads surface the error to the caller.
var ErrCorrupt = errors.New("store record corrupt")

// Store persists all tenant data under a single root directory.
// In-memory secondary indices (triggerId → tenantId, apiKey → tenantId) are
// lazily populated from the base directory and maintained on writes.
type Store struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger

	mu                 sync.Mutex
	triggerIndex       map[string]string // triggerId → tenantId
	triggerIndexLoaded bool
	apiKeyIndex        map[string]string // apiKey → tenantId
	apiKeyIndexLoaded  bool
}

// Open creates a store rooted at dir, creating the directory if needed.
func Open(dir string, lockTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, ".locks"), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:          dir,
		lockTimeout:  lockTimeout,
		logger:       logger.With("component", "store"),
		triggerIndex: make(map[string]string),
		apiKeyIndex:  make(map[string]string),
	}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) tenantDir(tenantID string) string {
	return filepath.Join(s.dir, tenantID)
}

func (s *Store) triggerPath(tenantID, triggerID string) string {
	return filepath.Join(s.tenantDir(tenantID), "triggers", triggerID+".json")
}

func (s *Store) logPath(tenantID, triggerID string) string {
	return filepath.Join(s.tenantDir(tenantID), "trigger_logs", triggerID+".jsonl")
}

func (s *Store) configPath(tenantID string) string {
	return filepath.Join(s.tenantDir(tenantID), "config.json")
}

func (s *Store) brokerPath(tenantID, brokerName string) string {
	return filepath.Join(s.tenantDir(tenantID), "brokers", brokerName+".json")
}

// marshalJSON renders v without HTML escaping so enum symbols like ">="
// appear literally in the files, matching the documented wire format.
func marshalJSON(v any, indent bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a .tmp sibling then renames over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	return os.Rename(tmp, path)
}

// ————————————————————————————————————————————————————————————————————————
// Triggers
// ————————————————————————————————————————————————————————————————————————

// SaveTrigger atomically persists a trigger and updates the id index.
// The record is validated first so malformed triggers never reach disk.
func (s *Store) SaveTrigger(t *types.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}

	data, err := marshalJSON(t, true)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}

	path := s.triggerPath(t.TenantID, t.ID)
	if err := s.withLock(path, func() error {
		return writeFileAtomic(path, data)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.triggerIndex[t.ID] = t.TenantID
	s.mu.Unlock()
	return nil
}

// GetTrigger loads a trigger by id. Returns (nil, nil) if it does not exist.
// The id index is consulted first; a stale index entry falls back to a scan.
func (s *Store) GetTrigger(triggerID string) (*types.Trigger, error) {
	s.loadTriggerIndex()

	s.mu.Lock()
	tenantID, ok := s.triggerIndex[triggerID]
	s.mu.Unlock()

	if ok {
		t, err := s.readTrigger(s.triggerPath(tenantID, triggerID))
		if err == nil && t != nil {
			return t, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		// Index was stale, drop the entry and fall back to scanning.
		s.mu.Lock()
		delete(s.triggerIndex, triggerID)
		s.mu.Unlock()
	}

	for _, tenant := range s.tenantIDs() {
		t, err := s.readTrigger(s.triggerPath(tenant, triggerID))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		s.mu.Lock()
		s.triggerIndex[triggerID] = tenant
		s.mu.Unlock()
		return t, nil
	}
	return nil, nil
}

// readTrigger decodes one trigger file. os.IsNotExist errors pass through.
func (s *Store) readTrigger(path string) (*types.Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t types.Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return &t, nil
}

// ListTenantTriggers returns a tenant's triggers, optionally filtered by
// status, sorted by creation time descending (newest first).
func (s *Store) ListTenantTriggers(tenantID string, status *types.Status) ([]*types.Trigger, error) {
	dir := filepath.Join(s.tenantDir(tenantID), "triggers")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read triggers dir: %w", err)
	}

	var out []*types.Trigger
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		t, err := s.readTrigger(filepath.Join(dir, e.Name()))
		if err != nil {
			// Corrupt records never abort an enumeration.
			s.logger.Warn("skipping unreadable trigger", "path", e.Name(), "error", err)
			continue
		}
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus returns all triggers in the given status across all tenants.
func (s *Store) ListByStatus(status types.Status) ([]*types.Trigger, error) {
	var out []*types.Trigger
	for _, tenant := range s.tenantIDs() {
		ts, err := s.ListTenantTriggers(tenant, &status)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}

// DeleteTrigger removes a trigger file. Returns false if it did not exist.
func (s *Store) DeleteTrigger(triggerID string) (bool, error) {
	t, err := s.GetTrigger(triggerID)
	if err != nil || t == nil {
		return false, err
	}

	path := s.triggerPath(t.TenantID, triggerID)
	if err := s.withLock(path, func() error {
		return os.Remove(path)
	}); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	delete(s.triggerIndex, triggerID)
	s.mu.Unlock()
	return true, nil
}

// loadTriggerIndex scans the base directory once to build triggerId → tenantId.
func (s *Store) loadTriggerIndex() {
	s.mu.Lock()
	loaded := s.triggerIndexLoaded
	s.triggerIndexLoaded = true
	s.mu.Unlock()
	if loaded {
		return
	}

	count := 0
	for _, tenant := range s.tenantIDs() {
		dir := filepath.Join(s.tenantDir(tenant), "triggers")
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		s.mu.Lock()
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			id := e.Name()[:len(e.Name())-len(".json")]
			s.triggerIndex[id] = tenant
			count++
		}
		s.mu.Unlock()
	}
	s.logger.Debug("trigger index loaded", "entries", count)
}

// tenantIDs lists tenant directories, skipping dot-directories like .locks.
func (s *Store) tenantIDs() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		out = append(out, e.Name())
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Order logs
// ————————————————————————————————————————————————————————————————————————

// AppendLog appends one entry to the trigger's JSONL log stream.
func (s *Store) AppendLog(log *types.OrderLog) error {
	line, err := marshalJSON(log, false)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}

	path := s.logPath(log.TenantID, log.TriggerID)
	return s.withLock(path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		defer f.Close()
		_, err = f.Write(line) // marshalJSON output is newline-terminated
		return err
	})
}

// ListLogsFor returns a trigger's log entries in append order, so the stream
// reads chronologically: created, then triggered, then executed/failed.
func (s *Store) ListLogsFor(triggerID string) ([]*types.OrderLog, error) {
	s.loadTriggerIndex()

	s.mu.Lock()
	tenantID, ok := s.triggerIndex[triggerID]
	s.mu.Unlock()

	if ok {
		return s.readLogFile(s.logPath(tenantID, triggerID))
	}

	for _, tenant := range s.tenantIDs() {
		logs, err := s.readLogFile(s.logPath(tenant, triggerID))
		if err != nil {
			return nil, err
		}
		if logs != nil {
			return logs, nil
		}
	}
	return nil, nil
}

// ListTenantLogs returns a tenant's most recent log entries, newest first,
// capped at limit.
func (s *Store) ListTenantLogs(tenantID string, limit int) ([]*types.OrderLog, error) {
	dir := filepath.Join(s.tenantDir(tenantID), "trigger_logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read logs dir: %w", err)
	}

	var out []*types.OrderLog
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		logs, err := s.readLogFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable log file", "path", e.Name(), "error", err)
			continue
		}
		out = append(out, logs...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// readLogFile parses one JSONL stream. Returns (nil, nil) if the file is
// missing. Unparseable lines are logged and skipped.
func (s *Store) readLogFile(path string) ([]*types.OrderLog, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	logs := []*types.OrderLog{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry types.OrderLog
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping corrupt log line", "path", path, "error", err)
			continue
		}
		logs = append(logs, &entry)
	}
	if err := sc.Err(); err != nil {
		return logs, fmt.Errorf("scan log: %w", err)
	}
	return logs, nil
}

// ————————————————————————————————————————————————————————————————————————
// Tenant config and broker credentials
// ————————————————————————————————————————————————————————————————————————

// TenantConfig loads a tenant's config.json. Returns (nil, nil) if absent.
func (s *Store) TenantConfig(tenantID string) (*types.TenantConfig, error) {
	data, err := os.ReadFile(s.configPath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tenant config: %w", err)
	}
	var cfg types.TenantConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.configPath(tenantID), err)
	}
	return &cfg, nil
}

// SaveTenantConfig atomically replaces a tenant's config.json.
func (s *Store) SaveTenantConfig(cfg *types.TenantConfig) error {
	data, err := marshalJSON(cfg, true)
	if err != nil {
		return fmt.Errorf("marshal tenant config: %w", err)
	}
	path := s.configPath(cfg.TenantID)
	return s.withLock(path, func() error {
		return writeFileAtomic(path, data)
	})
}

// EnsureTenant creates the tenant's config.json if it does not exist yet and
// returns the current config either way.
func (s *Store) EnsureTenant(tenantID string) (*types.TenantConfig, error) {
	cfg, err := s.TenantConfig(tenantID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	now := time.Now()
	cfg = &types.TenantConfig{TenantID: tenantID, CreatedAt: now, LastActive: now}
	if err := s.SaveTenantConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BrokerConfig loads a tenant's credentials for one brokerage.
// Returns (nil, nil) if the tenant has no config for that broker.
func (s *Store) BrokerConfig(tenantID, brokerName string) (map[string]string, error) {
	data, err := os.ReadFile(s.brokerPath(tenantID, brokerName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read broker config: %w", err)
	}
	var cfg map[string]string
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.brokerPath(tenantID, brokerName), err)
	}
	return cfg, nil
}

// SaveBrokerConfig atomically replaces a tenant's broker credential file.
func (s *Store) SaveBrokerConfig(tenantID, brokerName string, cfg map[string]string) error {
	data, err := marshalJSON(cfg, true)
	if err != nil {
		return fmt.Errorf("marshal broker config: %w", err)
	}
	path := s.brokerPath(tenantID, brokerName)
	return s.withLock(path, func() error {
		return writeFileAtomic(path, data)
	})
}

// ————————————————————————————————————————————————————————————————————————
// API keys
// ————————————————————————————————————————————————————————————————————————

// PutAPIKey atomically rotates a tenant's API key: the old key stops
// resolving the moment the new one is written.
func (s *Store) PutAPIKey(tenantID, key string) error {
	path := s.configPath(tenantID)
	var oldKey string

	err := s.withLock(path, func() error {
		cfg, err := s.TenantConfig(tenantID)
		if err != nil {
			return err
		}
		if cfg == nil {
			now := time.Now()
			cfg = &types.TenantConfig{TenantID: tenantID, CreatedAt: now, LastActive: now}
		}
		oldKey = cfg.APIKey
		now := time.Now()
		cfg.APIKey = key
		cfg.APIKeyCreatedAt = &now

		data, err := marshalJSON(cfg, true)
		if err != nil {
			return fmt.Errorf("marshal tenant config: %w", err)
		}
		return writeFileAtomic(path, data)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if oldKey != "" {
		delete(s.apiKeyIndex, oldKey)
	}
	s.apiKeyIndex[key] = tenantID
	s.mu.Unlock()
	return nil
}

// TenantByAPIKey resolves an API key to its tenant. Returns "" if unknown.
func (s *Store) TenantByAPIKey(key string) (string, error) {
	s.loadAPIKeyIndex()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKeyIndex[key], nil
}

// loadAPIKeyIndex scans all tenant configs once to build apiKey → tenantId.
func (s *Store) loadAPIKeyIndex() {
	s.mu.Lock()
	loaded := s.apiKeyIndexLoaded
	s.apiKeyIndexLoaded = true
	s.mu.Unlock()
	if loaded {
		return
	}

	for _, tenant := range s.tenantIDs() {
		cfg, err := s.TenantConfig(tenant)
		if err != nil || cfg == nil || cfg.APIKey == "" {
			continue
		}
		s.mu.Lock()
		s.apiKeyIndex[cfg.APIKey] = tenant
		s.mu.Unlock()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Stats
// ————————————————————————————————————————————————————————————————————————

// Stats summarizes what is on disk. Used by the REST façade's health payload.
type Stats struct {
	Tenants        int `json:"tenants"`
	Triggers       int `json:"triggers"`
	ActiveTriggers int `json:"active_triggers"`
	LogEntries     int `json:"log_entries"`
}

// Stats walks the store and counts tenants, triggers, and log entries.
func (s *Store) Stats() Stats {
	var st Stats
	for _, tenant := range s.tenantIDs() {
		st.Tenants++
		triggers, err := s.ListTenantTriggers(tenant, nil)
		if err != nil {
			continue
		}
		st.Triggers += len(triggers)
		for _, t := range triggers {
			if t.Status == types.StatusActive {
				st.ActiveTriggers++
			}
		}
		logs, err := s.ListTenantLogs(tenant, 0)
		if err == nil {
			st.LogEntries += len(logs)
		}
	}
	return st
}

package refulearn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	PrefLastUserEmail = "lastUserEmail"
	prefsFileName     = "prefs.json"
)

// completionsPrefKey is the key under which a course's completion keys are
// mirrored for synchronous reads.
func completionsPrefKey(courseID string) string {
	return "course_completions_" + courseID
}

// Preferences is a small synchronous key/value mirror persisted to one JSON
// file. It is loaded eagerly so reads never wait on the main store.
// An empty path keeps everything in memory.
type Preferences struct {
	mu sync.RWMutex
	// saveMu orders file writes so the newest snapshot lands last.
	saveMu sync.Mutex
	path   string
	values map[string]json.RawMessage
	logger *zap.Logger
}

// OpenPreferences loads dir/prefs.json if it exists. A corrupt file is logged
// and replaced on the next write.
func OpenPreferences(dir string, logger *zap.Logger) *Preferences {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Preferences{values: make(map[string]json.RawMessage), logger: logger}
	if dir == "" {
		return p
	}
	p.path = filepath.Join(dir, prefsFileName)

	data, err := os.ReadFile(p.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logger.Warn("read preferences", zap.String("path", p.path), zap.Error(err))
	default:
		if err := json.Unmarshal(data, &p.values); err != nil {
			logger.Warn("corrupt preferences, starting empty", zap.String("path", p.path), zap.Error(err))
			p.values = make(map[string]json.RawMessage)
		}
	}
	return p
}

// Get decodes the value under key into dest and reports whether it existed.
func (p *Preferences) Get(key string, dest any) bool {
	p.mu.RLock()
	raw, ok := p.values[key]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		p.logger.Warn("decode preference", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores value under key. The in-memory value is always updated; the
// returned error only reports a failed file write.
func (p *Preferences) Set(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %q: %w", key, err)
	}
	p.mu.Lock()
	p.values[key] = b
	p.mu.Unlock()
	return p.save()
}

func (p *Preferences) Delete(key string) {
	p.mu.Lock()
	delete(p.values, key)
	p.mu.Unlock()
	_ = p.save()
}

func (p *Preferences) Clear() {
	p.mu.Lock()
	p.values = make(map[string]json.RawMessage)
	p.mu.Unlock()
	_ = p.save()
}

// Keys returns the stored keys in order.
func (p *Preferences) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Preferences) save() error {
	if p.path == "" {
		return nil
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	p.mu.RLock()
	data, err := json.MarshalIndent(p.values, "", "  ")
	p.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		p.logger.Warn("write preferences", zap.String("path", p.path), zap.Error(err))
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		p.logger.Warn("write preferences", zap.String("path", p.path), zap.Error(err))
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.logger.Warn("write preferences", zap.String("path", p.path), zap.Error(err))
		return err
	}
	return nil
}

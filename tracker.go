package refulearn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// CompletionResult describes the outcome of MarkComplete.
type CompletionResult struct {
	Key     string `json:"key"`
	Queued  bool   `json:"queued"`
	QueueID string `json:"queueId,omitempty"`
}

// CompletionTracker owns the local CompletedSet of every course. Completion is
// applied optimistically, mirrored to the store and to Preferences, then
// confirmed with the server. Keys are only ever removed by ClearCompletions or
// by rolling back a write the server rejected.
type CompletionTracker struct {
	store   Store
	prefs   *Preferences
	gw      *Gateway
	indexer *Indexer
	logger  *zap.Logger

	mu       sync.Mutex
	sets     map[string]CompletedSet
	inflight map[string]bool
	// merges counts how often Merge delivered a key, per "courseID|key".
	// A rollback leaves a key alone once the count has moved.
	merges map[string]uint64
}

// NewCompletionTracker creates a tracker. prefs and indexer may be nil.
func NewCompletionTracker(store Store, prefs *Preferences, gw *Gateway, indexer *Indexer, logger *zap.Logger) *CompletionTracker {
	if indexer == nil {
		indexer = &Indexer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionTracker{
		store:    store,
		prefs:    prefs,
		gw:       gw,
		indexer:  indexer,
		logger:   logger,
		sets:     make(map[string]CompletedSet),
		inflight: make(map[string]bool),
		merges:   make(map[string]uint64),
	}
}

// Completed returns a copy of the course's local set.
func (t *CompletionTracker) Completed(ctx context.Context, courseID string) CompletedSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadLocked(ctx, courseID).Union(nil)
}

// loadLocked returns the cached set, reading Preferences first (synchronous)
// and then the store.
func (t *CompletionTracker) loadLocked(ctx context.Context, courseID string) CompletedSet {
	if set, ok := t.sets[courseID]; ok {
		return set
	}
	set := NewCompletedSet()
	var keys []string
	if t.prefs != nil && t.prefs.Get(completionsPrefKey(courseID), &keys) {
		set.Add(keys...)
	}
	keys = nil
	if _, err := t.store.Get(ctx, CollCompletions, courseID, &keys); err != nil {
		t.logger.Warn("read completions", zap.String("collection", CollCompletions), zap.String("key", courseID), zap.Error(err))
	}
	set.Add(keys...)
	t.sets[courseID] = set
	return set
}

func (t *CompletionTracker) persistLocked(ctx context.Context, courseID string, set CompletedSet) {
	keys := set.Keys()
	if err := t.store.Put(ctx, CollCompletions, courseID, keys); err != nil {
		t.logger.Warn("write completions", zap.String("collection", CollCompletions), zap.String("key", courseID), zap.Error(err))
	}
	if t.prefs != nil {
		_ = t.prefs.Set(completionsPrefKey(courseID), keys)
	}
}

// Merge unions keys reported by the server into the course's set and
// persists it. Merged keys survive the rollback of a concurrent MarkComplete.
func (t *CompletionTracker) Merge(ctx context.Context, courseID string, keys CompletedSet) CompletedSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.loadLocked(ctx, courseID)
	before := set.Len()
	for k := range keys {
		set.Add(k)
		t.merges[courseID+"|"+k]++
	}
	if set.Len() != before {
		t.persistLocked(ctx, courseID, set)
	}
	return set.Union(nil)
}

// MarkComplete marks one item complete. The module-scoped key is added
// locally before the server is contacted. A write the server cannot take
// right now is queued and the key kept; a rejected write rolls the key back
// and returns the error, unless the key was already present or Merge
// delivered it meanwhile. A second call for the same item while the first is
// pending returns ErrInFlight.
func (t *CompletionTracker) MarkComplete(ctx context.Context, course *Course, module *Module, item Item) (*CompletionResult, error) {
	if course == nil || module == nil {
		return nil, fmt.Errorf("mark complete: course and module are required")
	}
	key := t.indexer.keyFor(module, item)
	scoped := ScopedKey(module.ID, key)
	flight := course.ID + "|" + scoped

	t.mu.Lock()
	if t.inflight[flight] {
		t.mu.Unlock()
		return nil, ErrInFlight
	}
	t.inflight[flight] = true
	set := t.loadLocked(ctx, course.ID)
	had := set.Has(scoped)
	mergesBefore := t.merges[flight]
	set.Add(scoped)
	t.persistLocked(ctx, course.ID, set)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inflight, flight)
		t.mu.Unlock()
	}()

	itemID := item.ID
	if itemID == "" {
		itemID = key
	}
	path := fmt.Sprintf("/api/courses/%s/modules/%s/items/%s/complete",
		url.PathEscape(course.ID), url.PathEscape(module.ID), url.PathEscape(itemID))
	res, err := t.gw.Submit(ctx, Mutation{
		Kind:   KindCompletion,
		Method: http.MethodPut,
		Path:   path,
		Payload: map[string]any{
			"completed":     true,
			"itemType":      item.Type,
			"itemIndex":     item.Index,
			"completionKey": key,
		},
	})
	if err != nil {
		t.mu.Lock()
		if !had && t.merges[flight] == mergesBefore {
			// Reload: ClearCompletions may have replaced the set.
			current := t.loadLocked(ctx, course.ID)
			if current.Has(scoped) {
				delete(current, scoped)
				t.persistLocked(ctx, course.ID, current)
			}
		}
		t.mu.Unlock()
		t.logger.Warn("completion rejected, rolled back",
			zap.String("courseID", course.ID),
			zap.String("moduleID", module.ID),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, err
	}
	return &CompletionResult{Key: key, Queued: res.Queued, QueueID: res.QueueID}, nil
}

// ClearCompletions forgets the local completion state of a course.
func (t *CompletionTracker) ClearCompletions(ctx context.Context, courseID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sets, courseID)
	if t.prefs != nil {
		t.prefs.Delete(completionsPrefKey(courseID))
	}
	return t.store.Remove(ctx, CollCompletions, courseID)
}

// reset drops every cached set.
func (t *CompletionTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sets = make(map[string]CompletedSet)
}

package refulearn

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ============================================================================
// Collections
// ============================================================================

// Collection names a partition of the persistent store.
type Collection = string

const (
	CollUsers        Collection = "users"
	CollCourses      Collection = "courses"
	CollEnrollments  Collection = "enrollments"
	CollProgress     Collection = "progress"
	CollCompletions  Collection = "completions"
	CollJobs         Collection = "jobs"
	CollCertificates Collection = "certificates"
	CollScholarships Collection = "scholarships"
	CollAssessments  Collection = "assessments"
	CollSubmissions  Collection = "submissions"
	CollDiscussions  Collection = "discussions"
	CollReplies      Collection = "replies"
	CollLikes        Collection = "likes"
	CollAPICache     Collection = "apiCache"
	CollSyncQueue    Collection = "syncQueue"
)

// Collections lists every partition the schema defines, in creation order.
var Collections = []Collection{
	CollUsers, CollCourses, CollEnrollments, CollProgress, CollCompletions,
	CollJobs, CollCertificates, CollScholarships, CollAssessments,
	CollSubmissions, CollDiscussions, CollReplies, CollLikes,
	CollAPICache, CollSyncQueue,
}

var knownCollections = func() map[string]bool {
	m := make(map[string]bool, len(Collections))
	for _, c := range Collections {
		m[c] = true
	}
	return m
}()

// IsCollection reports whether name is part of the schema.
func IsCollection(name string) bool { return knownCollections[name] }

func checkCollection(name string) error {
	if !knownCollections[name] {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return nil
}

// ============================================================================
// Store
// ============================================================================

// Store is a durable key/value store partitioned into named collections.
// Values are JSON-encoded on Put and decoded into dest on Get.
type Store interface {
	Put(ctx context.Context, collection, key string, value any) error
	// Get decodes the record into dest and reports whether it existed.
	Get(ctx context.Context, collection, key string, dest any) (bool, error)
	// List returns every record of the collection ordered by key.
	List(ctx context.Context, collection string) ([]json.RawMessage, error)
	Remove(ctx context.Context, collection, key string) error
	// Clear empties the named collections, or every collection when none
	// are named.
	Clear(ctx context.Context, collections ...Collection) error
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.data = make(map[string]map[string][]byte, len(Collections))
	for _, c := range Collections {
		s.data[c] = make(map[string][]byte)
	}
}

func (s *MemoryStore) Put(ctx context.Context, collection, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkCollection(collection); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[collection][key] = b
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string, dest any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkCollection(collection); err != nil {
		return false, err
	}
	s.mu.RLock()
	b, ok := s.data[collection][key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[collection]))
	for k := range s.data[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, append(json.RawMessage(nil), s.data[collection][k]...))
	}
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], key)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, collections ...Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range collections {
		if err := checkCollection(c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(collections) == 0 {
		s.reset()
		return nil
	}
	for _, c := range collections {
		s.data[c] = make(map[string][]byte)
	}
	return nil
}

// collectionsExcept returns every collection except the given ones.
func collectionsExcept(skip ...Collection) []Collection {
	out := make([]Collection, 0, len(Collections))
	for _, c := range Collections {
		if !slices.Contains(skip, c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }

// listInto decodes every record of a collection into a typed slice.
func listInto[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	raw, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}

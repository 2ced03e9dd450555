package refulearn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// fakeAPI is a scriptable stand-in for the REST API. Routes are keyed by
// "METHOD /path"; unknown routes answer 404.
type fakeAPI struct {
	*httptest.Server

	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []recordedRequest
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{routes: make(map[string]http.HandlerFunc)}
	api.Server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.Close)
	return api
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	a.mu.Lock()
	a.requests = append(a.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	h, ok := a.routes[r.Method+" "+r.URL.Path]
	a.mu.Unlock()
	if !ok {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		return
	}
	h(w, r)
}

func (a *fakeAPI) handle(method, path string, h http.HandlerFunc) {
	a.mu.Lock()
	a.routes[method+" "+path] = h
	a.mu.Unlock()
}

// respond registers a fixed response.
func (a *fakeAPI) respond(method, path string, status int, body string) {
	a.handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	})
}

func (a *fakeAPI) calls(method, path string) []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []recordedRequest
	for _, r := range a.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (a *fakeAPI) allCalls() []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedRequest(nil), a.requests...)
}

func newTestGateway(t *testing.T, api *fakeAPI, store Store) (*Gateway, *SyncQueue) {
	t.Helper()
	gw := NewGateway(NewClient(api.URL), store, OpenPreferences("", nil), &GatewayOptions{
		// Keep the breaker out of the way unless a test asks for it.
		BreakerMinRequests: 1000,
	})
	q := NewSyncQueue(store, gw, &SyncQueueOptions{RetryBase: time.Second, MaxBackoff: 8 * time.Second})
	t.Cleanup(func() { gw.Close() })
	return gw, q
}

func newTestManager(t *testing.T, api *fakeAPI) *OfflineManager {
	t.Helper()
	m := NewOfflineManager(NewMemoryStore(), NewClient(api.URL), &OfflineOptions{
		FlushInterval: time.Hour,
		RetryBase:     time.Millisecond,
		MaxBackoff:    time.Millisecond,
	})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

// failingStore fails every write to one collection.
type failingStore struct {
	Store
	collection string
}

func (f *failingStore) Put(ctx context.Context, collection, key string, value any) error {
	if collection == f.collection {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, collection, key, value)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

// sampleModule has a description, content, a video, one meaningless and one
// meaningful content item, and a quiz.
func sampleModule() *Module {
	return &Module{
		ID:          "m1",
		Title:       "Getting started",
		Description: "What this module covers",
		Content:     "A long enough body of module text.",
		VideoURL:    "https://cdn.example.org/intro.mp4",
		ContentItems: []ContentItem{
			{Type: "article", Title: "Empty"},
			{Type: "article", Title: "Reading", Content: "Read me"},
		},
		Quizzes: []Activity{{ID: "q1", Title: "Check"}},
	}
}

func sampleCourse() *Course {
	return &Course{
		ID:    "c1",
		Title: "Digital skills",
		Modules: []*Module{
			sampleModule(),
			{
				ID:          "m2",
				Title:       "Next steps",
				Description: "Wrap up",
			},
		},
	}
}

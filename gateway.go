package refulearn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultCacheTTL = 24 * time.Hour

	sourceNetwork  = "network"
	sourceCache    = "cache"
	sourceFallback = "fallback"
)

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	CacheTTL time.Duration
	// BreakerMinRequests and BreakerFailureRatio decide when the circuit opens.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
	Logger              *zap.Logger
	Metrics             *Metrics
}

// Gateway sits between callers and the network. GET responses are captured
// into the apiCache collection and served from there when the network is
// unavailable; writes go through Submit, which queues them when they cannot
// be delivered.
type Gateway struct {
	client  *Client
	store   Store
	prefs   *Preferences
	queue   *SyncQueue
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *Metrics
	ttl     time.Duration
	now     func() time.Time

	online  atomic.Bool
	pending sync.WaitGroup
}

// NewGateway creates a gateway. prefs may be nil.
func NewGateway(client *Client, store Store, prefs *Preferences, opts *GatewayOptions) *Gateway {
	g := &Gateway{
		client: client,
		store:  store,
		prefs:  prefs,
		logger: zap.NewNop(),
		ttl:    DefaultCacheTTL,
		now:    time.Now,
	}
	settings := gobreaker.Settings{
		Name:        "refulearn-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
	}
	minRequests, ratio := uint32(5), 0.6
	if opts != nil {
		if opts.Logger != nil {
			g.logger = opts.Logger
		}
		g.metrics = opts.Metrics
		if opts.CacheTTL > 0 {
			g.ttl = opts.CacheTTL
		}
		if opts.BreakerMinRequests > 0 {
			minRequests = opts.BreakerMinRequests
		}
		if opts.BreakerFailureRatio > 0 {
			ratio = opts.BreakerFailureRatio
		}
		if opts.BreakerOpenTimeout > 0 {
			settings.Timeout = opts.BreakerOpenTimeout
		}
	}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		g.logger.Info("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		g.metrics.breaker(float64(to))
	}
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	g.breaker = gobreaker.NewCircuitBreaker(settings)
	g.online.Store(true)
	return g
}

// IsOnline reports the connectivity flag.
func (g *Gateway) IsOnline() bool { return g.online.Load() }

// SetOnline updates the connectivity flag and reports whether it changed.
func (g *Gateway) SetOnline(online bool) bool {
	return g.online.Swap(online) != online
}

// Wait blocks until background cache writes have finished.
func (g *Gateway) Wait() { g.pending.Wait() }

// Close flushes background cache writes.
func (g *Gateway) Close() error {
	g.pending.Wait()
	return nil
}

// ResourceKey is the cache key of a request: the upper-cased method, a space
// and the path with its query parameters sorted.
func ResourceKey(method, path string) string {
	method = strings.ToUpper(method)
	u, err := url.Parse(path)
	if err != nil {
		return method + " " + path
	}
	key := method + " " + u.EscapedPath()
	if q := u.Query(); len(q) > 0 {
		key += "?" + q.Encode()
	}
	return key
}

// ── Reads ────────────────────────────────────────────────

// Fetch resolves a request against the network, falling back to the cache.
//
// Offline GETs are served from the cache or fail with ErrNotCached; offline
// writes fail with ErrOffline. Online, a 401 or a transport failure is
// answered from the cache when a copy exists. Successful GETs are captured.
// Any other non-2xx status is returned as *StatusError.
func (g *Gateway) Fetch(ctx context.Context, method, path string, body any) (*Response, error) {
	method = strings.ToUpper(method)
	key := ResourceKey(method, path)

	if !g.IsOnline() {
		if method != http.MethodGet {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrOffline)
		}
		if cached := g.lookup(ctx, key); cached != nil {
			g.metrics.request(method, sourceCache)
			return cached, nil
		}
		return nil, fmt.Errorf("%s: %w", key, ErrNotCached)
	}

	resp, err := g.send(ctx, method, path, body, nil)
	if err != nil {
		if method == http.MethodGet && !errors.Is(err, context.Canceled) {
			if cached := g.lookup(ctx, key); cached != nil {
				g.logger.Debug("serving cached response after network failure",
					zap.String("key", key), zap.Error(err))
				g.metrics.request(method, sourceFallback)
				return cached, nil
			}
		}
		return nil, err
	}
	g.metrics.request(method, sourceNetwork)

	if resp.StatusCode == http.StatusUnauthorized {
		if method == http.MethodGet {
			if cached := g.lookup(ctx, key); cached != nil {
				g.metrics.request(method, sourceFallback)
				return cached, nil
			}
		}
		return nil, statusError(method, path, resp)
	}
	if !resp.OK() {
		return nil, statusError(method, path, resp)
	}
	if method == http.MethodGet {
		g.capture(key, path, resp)
	}
	return resp, nil
}

// send performs one network round trip through the circuit breaker. Server
// errors count against the breaker but are still returned as a Response.
func (g *Gateway) send(ctx context.Context, method, path string, body any, header http.Header) (*Response, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		resp, err := g.client.Do(ctx, method, path, body, header)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, statusError(method, path, resp)
		}
		return resp, nil
	})
	var se *StatusError
	if err != nil && errors.As(err, &se) {
		if resp, ok := result.(*Response); ok && resp != nil {
			return resp, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return result.(*Response), nil
}

func statusError(method, path string, resp *Response) *StatusError {
	return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: resp.Body}
}

func (g *Gateway) lookup(ctx context.Context, key string) *Response {
	var entry CachedResponse
	found, err := g.store.Get(ctx, CollAPICache, key, &entry)
	if err != nil {
		g.logger.Warn("cache read failed", zap.String("collection", CollAPICache), zap.String("key", key), zap.Error(err))
	}
	if !found || err != nil || entry.expired(g.now()) {
		g.metrics.cacheMiss()
		return nil
	}
	g.metrics.cacheHit()
	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       entry.Payload,
		FromCache:  true,
		CapturedAt: entry.CapturedAt,
	}
}

// capture persists a successful GET in the background. The caller's response
// is never affected by a failed write.
func (g *Gateway) capture(key, path string, resp *Response) {
	now := g.now()
	entry := CachedResponse{
		Key:        key,
		Method:     http.MethodGet,
		Path:       path,
		Payload:    append([]byte(nil), resp.Body...),
		CapturedAt: now,
		ExpiresAt:  now.Add(g.ttl),
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.store.Put(ctx, CollAPICache, key, entry); err != nil {
			g.metrics.cacheWriteFailed()
			g.logger.Warn("cache write failed", zap.String("collection", CollAPICache), zap.String("key", key), zap.Error(err))
		}
		g.route(ctx, path, entry.Payload)
	}()
}

// PurgeExpired removes cache entries past their TTL and returns how many
// were removed.
func (g *Gateway) PurgeExpired(ctx context.Context) (int, error) {
	entries, err := listInto[CachedResponse](ctx, g.store, CollAPICache)
	if err != nil {
		return 0, err
	}
	now := g.now()
	removed := 0
	for _, e := range entries {
		if !e.expired(now) {
			continue
		}
		if err := g.store.Remove(ctx, CollAPICache, e.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ── Domain routing ───────────────────────────────────────

var (
	coursesListPattern    = regexp.MustCompile(`^/api/courses/?$`)
	enrolledPattern       = regexp.MustCompile(`^/api/courses/enrolled/courses/?$`)
	courseProgressPattern = regexp.MustCompile(`^/api/courses/([^/]+)/progress/?$`)
	courseDetailPattern   = regexp.MustCompile(`^/api/courses/([^/]+)/?$`)
	profilePattern        = regexp.MustCompile(`^/api/users/profile/?$`)
	jobsPattern           = regexp.MustCompile(`^/api/(?:employer/)?jobs/?$`)
	certificatesPattern   = regexp.MustCompile(`^/api/certificates/?$`)
	scholarshipsPattern   = regexp.MustCompile(`^/api/scholarships/?$`)
)

// route copies well-known API responses into their domain collections.
// Payloads of an unexpected shape are skipped.
func (g *Gateway) route(ctx context.Context, path string, payload []byte) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	data := unwrapData(payload)

	switch {
	case enrolledPattern.MatchString(path):
		g.putList(ctx, CollEnrollments, extractList(data, "courses"))
	case coursesListPattern.MatchString(path):
		g.putList(ctx, CollCourses, extractList(data, "courses"))
	case courseProgressPattern.MatchString(path):
		id := courseProgressPattern.FindStringSubmatch(path)[1]
		g.putRecord(ctx, CollProgress, id, extractObject(data, "progress"))
	case courseDetailPattern.MatchString(path):
		id := courseDetailPattern.FindStringSubmatch(path)[1]
		g.putRecord(ctx, CollCourses, id, extractObject(data, "course"))
	case profilePattern.MatchString(path):
		user := extractObject(data, "user")
		var u struct {
			ID    string `json:"_id"`
			Email string `json:"email"`
		}
		if user == nil || json.Unmarshal(user, &u) != nil || (u.ID == "" && u.Email == "") {
			return
		}
		key := u.Email
		if key == "" {
			key = u.ID
		}
		g.putRecord(ctx, CollUsers, key, user)
		if u.Email != "" && g.prefs != nil {
			_ = g.prefs.Set(PrefLastUserEmail, u.Email)
		}
	case jobsPattern.MatchString(path):
		g.putList(ctx, CollJobs, extractList(data, "jobs"))
	case certificatesPattern.MatchString(path):
		g.putList(ctx, CollCertificates, extractList(data, "certificates"))
	case scholarshipsPattern.MatchString(path):
		g.putList(ctx, CollScholarships, extractList(data, "scholarships"))
	}
}

func (g *Gateway) putList(ctx context.Context, collection string, items []json.RawMessage) {
	for _, item := range items {
		if id := recordID(item); id != "" {
			g.putRecord(ctx, collection, id, item)
		}
	}
}

func (g *Gateway) putRecord(ctx context.Context, collection, key string, raw json.RawMessage) {
	if raw == nil || key == "" {
		return
	}
	if err := g.store.Put(ctx, collection, key, raw); err != nil {
		g.metrics.cacheWriteFailed()
		g.logger.Warn("domain cache write failed", zap.String("collection", collection), zap.String("key", key), zap.Error(err))
	}
}

// extractList accepts either a bare array or an object holding the array
// under field.
func extractList(data []byte, field string) []json.RawMessage {
	var list []json.RawMessage
	if json.Unmarshal(data, &list) == nil {
		return list
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(data, &obj) != nil {
		return nil
	}
	if json.Unmarshal(obj[field], &list) == nil {
		return list
	}
	return nil
}

// extractObject accepts either the object itself or a wrapper holding it
// under field.
func extractObject(data []byte, field string) json.RawMessage {
	var obj map[string]json.RawMessage
	if json.Unmarshal(data, &obj) != nil {
		return nil
	}
	if inner, ok := obj[field]; ok && len(inner) > 0 && inner[0] == '{' {
		return inner
	}
	return json.RawMessage(data)
}

func recordID(raw json.RawMessage) string {
	var ids struct {
		ID    string `json:"_id"`
		AltID string `json:"id"`
	}
	if json.Unmarshal(raw, &ids) != nil {
		return ""
	}
	if ids.ID != "" {
		return ids.ID
	}
	return ids.AltID
}

// ── Writes ───────────────────────────────────────────────

// Submit sends a mutation. When it cannot be delivered now (offline, network
// failure, open circuit, expired credentials, throttling or a server error)
// it is queued for replay and SubmitResult.Queued is set. Any other rejection
// is returned as *StatusError and nothing is queued.
func (g *Gateway) Submit(ctx context.Context, m Mutation) (*SubmitResult, error) {
	m.Method = strings.ToUpper(m.Method)
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	payload, err := encodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	m.Payload = payload

	if !g.IsOnline() {
		return g.enqueueDeferred(ctx, m, ErrOffline)
	}

	header := http.Header{"Idempotency-Key": []string{m.IdempotencyKey}}
	resp, err := g.send(ctx, m.Method, m.Path, payload, header)
	if err != nil {
		if IsRetryable(err) {
			return g.enqueueDeferred(ctx, m, err)
		}
		return nil, err
	}
	g.metrics.request(m.Method, sourceNetwork)
	if !resp.OK() {
		se := statusError(m.Method, m.Path, resp)
		if IsRetryable(se) {
			return g.enqueueDeferred(ctx, m, se)
		}
		return nil, se
	}
	return &SubmitResult{Response: resp}, nil
}

func (g *Gateway) enqueueDeferred(ctx context.Context, m Mutation, cause error) (*SubmitResult, error) {
	if g.queue == nil {
		return nil, cause
	}
	item, err := g.queue.Enqueue(ctx, m)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	g.logger.Debug("mutation queued",
		zap.String("kind", string(m.Kind)),
		zap.String("path", m.Path),
		zap.NamedError("cause", cause),
	)
	return &SubmitResult{Queued: true, QueueID: item.ID}, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Events emitted by OfflineManager.
const (
	EventOnline             = "network.online"
	EventOffline            = "network.offline"
	EventQueueEnqueued      = "queue.enqueued"
	EventQueueSent          = "queue.sent"
	EventQueueFailed        = "queue.failed"
	EventQueueDrained       = "queue.drained"
	EventCacheRebuilt       = "cache.rebuilt"
	EventProgressReconciled = "progress.reconciled"
)

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	CacheTTL      time.Duration
	FlushInterval time.Duration
	RetryBase     time.Duration
	MaxBackoff    time.Duration
	// PrefsDir holds prefs.json. Empty keeps preferences in memory.
	PrefsDir    string
	Prefs       *Preferences
	KeyStrategy KeyStrategy
	Diagnostics Diagnostics
	Logger      *zap.Logger
	Metrics     *Metrics
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
	logger    *zap.Logger
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineManager is the API the UI talks to. It wires the store, gateway,
// sync queue, completion tracker and reconciler together and drains the queue
// whenever connectivity returns.
type OfflineManager struct {
	offlineEmitter
	Store Store

	client     *Client
	gateway    *Gateway
	queue      *SyncQueue
	tracker    *CompletionTracker
	indexer    *Indexer
	reconciler *Reconciler
	prefs      *Preferences
	logger     *zap.Logger
	metrics    *Metrics

	flushInterval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
	bg      sync.WaitGroup
}

// NewOfflineManager creates a manager over store and client.
func NewOfflineManager(store Store, client *Client, opts *OfflineOptions) *OfflineManager {
	if opts == nil {
		opts = &OfflineOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefs := opts.Prefs
	if prefs == nil {
		prefs = OpenPreferences(opts.PrefsDir, logger)
	}

	o := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler), logger: logger},
		Store:          store,
		client:         client,
		prefs:          prefs,
		logger:         logger,
		metrics:        opts.Metrics,
		flushInterval:  opts.FlushInterval,
		stopCh:         make(chan struct{}),
	}
	if o.flushInterval <= 0 {
		o.flushInterval = 30 * time.Second
	}

	o.gateway = NewGateway(client, store, prefs, &GatewayOptions{
		CacheTTL: opts.CacheTTL,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	o.queue = NewSyncQueue(store, o.gateway, &SyncQueueOptions{
		RetryBase:  opts.RetryBase,
		MaxBackoff: opts.MaxBackoff,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	o.queue.emit = o.emit
	o.indexer = &Indexer{Strategy: opts.KeyStrategy, Diagnostics: opts.Diagnostics}
	o.reconciler = &Reconciler{Indexer: o.indexer}
	o.tracker = NewCompletionTracker(store, prefs, o.gateway, o.indexer, logger)
	o.On(EventQueueSent, o.onReplayed)
	return o
}

// Init restores the queue and starts the background flush loop.
func (o *OfflineManager) Init(ctx context.Context) error {
	if err := o.queue.Load(ctx); err != nil {
		return err
	}
	if rb, ok := o.Store.(interface{ Rebuilt() bool }); ok && rb.Rebuilt() {
		o.emit(EventCacheRebuilt, nil)
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.flushLoop()
	}()
	return nil
}

// Destroy stops background work and waits for pending cache writes. The
// store is left open; it belongs to the caller.
func (o *OfflineManager) Destroy() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
	o.bg.Wait()
	_ = o.gateway.Close()
	o.removeAll()
}

// Gateway returns the underlying gateway.
func (o *OfflineManager) Gateway() *Gateway { return o.gateway }

// Queue returns the underlying sync queue.
func (o *OfflineManager) Queue() *SyncQueue { return o.queue }

// Tracker returns the completion tracker.
func (o *OfflineManager) Tracker() *CompletionTracker { return o.tracker }

// Preferences returns the synchronous key/value mirror.
func (o *OfflineManager) Preferences() *Preferences { return o.prefs }

// Metrics returns the collectors passed in the options, or nil.
func (o *OfflineManager) Metrics() *Metrics { return o.metrics }

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool {
	return o.gateway.IsOnline()
}

// SetOnline updates network state. Going online drains the whole queue in
// the background, items still in backoff included.
func (o *OfflineManager) SetOnline(online bool) {
	if !o.gateway.SetOnline(online) {
		return
	}
	if online {
		o.logger.Info("network online")
		o.emit(EventOnline, nil)
		o.drainAsync(true)
	} else {
		o.logger.Info("network offline")
		o.emit(EventOffline, nil)
	}
}

// QueueSize returns the number of queued mutations.
func (o *OfflineManager) QueueSize() int {
	return o.queue.Size(context.Background())
}

// ── Store access ──────────────────────────────────────────

func (o *OfflineManager) Get(ctx context.Context, collection, key string, dest any) (bool, error) {
	return o.Store.Get(ctx, collection, key, dest)
}

func (o *OfflineManager) Set(ctx context.Context, collection, key string, value any) error {
	return o.Store.Put(ctx, collection, key, value)
}

func (o *OfflineManager) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return o.Store.List(ctx, collection)
}

// ClearCache wipes the store and Preferences. This is the only operation
// that drops completion state. Queued mutations survive: they leave the
// queue only when the server acknowledges them.
func (o *OfflineManager) ClearCache(ctx context.Context) error {
	o.gateway.Wait()
	if err := o.Store.Clear(ctx, collectionsExcept(CollSyncQueue)...); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	o.prefs.Clear()
	o.tracker.reset()
	o.queue.refreshDepth(ctx)
	return nil
}

// ── Request dispatch ──────────────────────────────────────

// CachedFetch GETs path through the gateway.
func (o *OfflineManager) CachedFetch(ctx context.Context, path string) (*Response, error) {
	return o.gateway.Fetch(ctx, http.MethodGet, path, nil)
}

// Fetch performs a request through the gateway. Reads are served from the
// cache when the network cannot answer; any other method is a mutation and
// goes through Submit, so it is queued instead of lost. A queued mutation
// returns a 202 response with an empty body.
func (o *OfflineManager) Fetch(ctx context.Context, method, path string, body any) (*Response, error) {
	if method == "" || strings.EqualFold(method, http.MethodGet) {
		return o.CachedFetch(ctx, path)
	}
	res, err := o.Submit(ctx, Mutation{Kind: KindRequest, Method: method, Path: path, Payload: body})
	if err != nil {
		return nil, err
	}
	if res.Queued {
		return &Response{StatusCode: http.StatusAccepted}, nil
	}
	return res.Response, nil
}

// Submit sends a mutation, queueing it when it cannot be delivered now.
func (o *OfflineManager) Submit(ctx context.Context, m Mutation) (*SubmitResult, error) {
	return o.gateway.Submit(ctx, m)
}

// EnqueueMutation queues a mutation without trying the network first, then
// starts a drain if online.
func (o *OfflineManager) EnqueueMutation(ctx context.Context, kind MutationKind, method, path string, payload any) (*QueueItem, error) {
	item, err := o.queue.Enqueue(ctx, Mutation{Kind: kind, Method: method, Path: path, Payload: payload})
	if err != nil {
		return nil, err
	}
	if o.IsOnline() {
		o.drainAsync(false)
	}
	return item, nil
}

// Drain replays due queue items now.
func (o *OfflineManager) Drain(ctx context.Context) (DrainResult, error) {
	return o.queue.Drain(ctx)
}

// ── Queue flush ───────────────────────────────────────────

// onReplayed clears the pending flag of local records once their queued
// mutation has been acknowledged.
func (o *OfflineManager) onReplayed(_ string, payload any) {
	ev, ok := payload.(QueueEvent)
	if !ok {
		return
	}
	ctx := context.Background()
	switch ev.Item.Kind {
	case KindReply:
		var body struct {
			ClientReplyID string `json:"clientReplyId"`
		}
		if json.Unmarshal(ev.Item.Payload, &body) != nil || body.ClientReplyID == "" {
			return
		}
		var reply Reply
		if found, err := o.Store.Get(ctx, CollReplies, body.ClientReplyID, &reply); err != nil || !found {
			return
		}
		reply.PendingSync = false
		_ = o.Store.Put(ctx, CollReplies, reply.ID, reply)
	case KindEnrollment, KindAssessmentSubmission:
		coll := CollEnrollments
		if ev.Item.Kind == KindAssessmentSubmission {
			coll = CollSubmissions
		}
		m := enrollPathPattern.FindStringSubmatch(ev.Item.Path)
		if ev.Item.Kind == KindAssessmentSubmission {
			m = submitPathPattern.FindStringSubmatch(ev.Item.Path)
		}
		if len(m) < 2 {
			return
		}
		key, err := url.PathUnescape(m[1])
		if err != nil {
			return
		}
		var record map[string]any
		if found, err := o.Store.Get(ctx, coll, key, &record); err != nil || !found {
			return
		}
		record["pendingSync"] = false
		_ = o.Store.Put(ctx, coll, key, record)
	}
}

var (
	enrollPathPattern = regexp.MustCompile(`^/api/courses/([^/]+)/enroll$`)
	submitPathPattern = regexp.MustCompile(`^/api/courses/assessments/([^/]+)/submit$`)
)

// drainAsync starts a background drain. all ignores backoff.
func (o *OfflineManager) drainAsync(all bool) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.bg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.bg.Done()
		o.flush(all)
	}()
}

func (o *OfflineManager) flush(all bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	drain := o.queue.Drain
	if all {
		drain = o.queue.DrainAll
	}
	if _, err := drain(ctx); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
		o.logger.Warn("background drain failed", zap.Error(err))
	}
}

func (o *OfflineManager) flushLoop() {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if o.IsOnline() {
				o.flush(false)
			}
		}
	}
}

// ── Completion ────────────────────────────────────────────

// ComputeCompletionKey returns the key of the sub-th item of kind in the
// module, or "" when there is no such item.
func (o *OfflineManager) ComputeCompletionKey(m *Module, kind ItemKind, sub int) string {
	return o.indexer.Key(m, kind, sub)
}

// Indexer returns the key indexer.
func (o *OfflineManager) Indexer() *Indexer { return o.indexer }

// Course returns the locally stored course snapshot.
func (o *OfflineManager) Course(ctx context.Context, courseID string) (*Course, error) {
	var course Course
	found, err := o.Store.Get(ctx, CollCourses, courseID, &course)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	return &course, nil
}

// MarkComplete marks the sub-th item of kind in a module complete.
func (o *OfflineManager) MarkComplete(ctx context.Context, courseID, moduleID string, kind ItemKind, sub int) (*CompletionResult, error) {
	course, err := o.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	for _, m := range course.Modules {
		if m == nil || m.ID != moduleID {
			continue
		}
		for _, it := range m.Items() {
			if it.Kind == kind && it.Sub == sub {
				return o.tracker.MarkComplete(ctx, course, m, it)
			}
		}
		return nil, fmt.Errorf("%s %d in module %s: %w", kind, sub, moduleID, ErrNotFound)
	}
	return nil, fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
}

// ReconcileProgress merges server progress (nil for none) into the local
// completion set of the course and reports the result.
func (o *OfflineManager) ReconcileProgress(ctx context.Context, courseID string, server *ServerProgress) (ProgressReport, error) {
	course, err := o.Course(ctx, courseID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return ProgressReport{}, err
	}
	if course == nil {
		course = &Course{ID: courseID}
	}
	// Only what the server reported is merged into the tracker; local keys
	// are already there.
	fromServer := o.reconciler.Reconcile(course, server, nil).Merged
	merged := o.tracker.Completed(ctx, courseID)
	if fromServer.Len() > 0 {
		merged = o.tracker.Merge(ctx, courseID, fromServer)
	}
	report := o.reconciler.Reconcile(course, server, merged)
	o.emit(EventProgressReconciled, report)
	return report, nil
}

// SyncProgress fetches server progress and reconciles it.
func (o *OfflineManager) SyncProgress(ctx context.Context, courseID string) (ProgressReport, error) {
	server, err := o.FetchProgress(ctx, courseID)
	if err != nil {
		if !errors.Is(err, ErrNotCached) {
			return ProgressReport{}, err
		}
		server = nil
	}
	return o.ReconcileProgress(ctx, courseID, server)
}

// ── Domain helpers ────────────────────────────────────────

// FetchCourse loads a course through the gateway, falling back to the
// courses collection when the response is neither online nor cached.
func (o *OfflineManager) FetchCourse(ctx context.Context, courseID string) (*Course, error) {
	resp, err := o.CachedFetch(ctx, "/api/courses/"+url.PathEscape(courseID))
	if err != nil {
		if errors.Is(err, ErrNotCached) || IsRetryable(err) {
			if course, cerr := o.Course(ctx, courseID); cerr == nil {
				return course, nil
			}
		}
		return nil, err
	}
	course, err := decodeJSON[Course](extractObject(unwrapData(resp.Body), "course"))
	if err != nil {
		return nil, err
	}
	if course.ID == "" {
		course.ID = courseID
	}
	return course, nil
}

// FetchProgress loads the server's progress record for a course.
func (o *OfflineManager) FetchProgress(ctx context.Context, courseID string) (*ServerProgress, error) {
	resp, err := o.CachedFetch(ctx, "/api/courses/"+url.PathEscape(courseID)+"/progress")
	if err != nil {
		return nil, err
	}
	data := extractObject(unwrapData(resp.Body), "progress")
	var raw struct {
		ServerProgress
		CompletedItems []string `json:"completedItems"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	progress := raw.ServerProgress
	progress.AllCompletedItems = append(progress.AllCompletedItems, raw.CompletedItems...)
	if progress.CourseID == "" {
		progress.CourseID = courseID
	}
	return &progress, nil
}

// EnrollInCourse enrolls the user, queueing the request when offline. The
// enrollment is recorded locally either way.
func (o *OfflineManager) EnrollInCourse(ctx context.Context, courseID string) (*SubmitResult, error) {
	res, err := o.Submit(ctx, Mutation{
		Kind:   KindEnrollment,
		Method: http.MethodPost,
		Path:   "/api/courses/" + url.PathEscape(courseID) + "/enroll",
	})
	if err != nil {
		return nil, err
	}
	record := map[string]any{
		"courseId":    courseID,
		"enrolledAt":  time.Now().UTC(),
		"pendingSync": res.Queued,
	}
	if err := o.Store.Put(ctx, CollEnrollments, courseID, record); err != nil {
		o.logger.Warn("record enrollment", zap.String("collection", CollEnrollments), zap.String("key", courseID), zap.Error(err))
	}
	return res, nil
}

// SubmitReply posts a discussion reply. The reply is stored locally first
// with PendingSync set; a rejected reply is removed again.
func (o *OfflineManager) SubmitReply(ctx context.Context, courseID, discussionID, content string) (*Reply, error) {
	reply := &Reply{
		ID:           "reply_" + uuid.NewString(),
		DiscussionID: discussionID,
		CourseID:     courseID,
		Content:      content,
		PendingSync:  true,
		CreatedAt:    time.Now().UTC(),
	}
	o.prefs.Get(PrefLastUserEmail, &reply.AuthorEmail)
	if err := o.Store.Put(ctx, CollReplies, reply.ID, reply); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}

	res, err := o.Submit(ctx, Mutation{
		Kind:   KindReply,
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/api/courses/%s/discussions/%s/replies", url.PathEscape(courseID), url.PathEscape(discussionID)),
		Payload: map[string]any{
			"content":       content,
			"clientReplyId": reply.ID,
		},
	})
	if err != nil {
		_ = o.Store.Remove(ctx, CollReplies, reply.ID)
		return nil, err
	}
	if !res.Queued {
		reply.PendingSync = false
		_ = o.Store.Put(ctx, CollReplies, reply.ID, reply)
	}
	return reply, nil
}

// likeKey identifies one user's like of one item.
func likeKey(itemID, userID string) string {
	return "discussion_like_" + itemID + "_" + userID
}

// ToggleLike flips the user's like of a discussion or reply (when replyID is
// set). The request carries the desired state, so replaying it twice cannot
// double-count.
func (o *OfflineManager) ToggleLike(ctx context.Context, courseID, discussionID, replyID string) (*Like, error) {
	itemID := discussionID
	path := fmt.Sprintf("/api/courses/%s/discussions/%s/like", url.PathEscape(courseID), url.PathEscape(discussionID))
	if replyID != "" {
		itemID = replyID
		path = fmt.Sprintf("/api/courses/%s/discussions/%s/replies/%s/like",
			url.PathEscape(courseID), url.PathEscape(discussionID), url.PathEscape(replyID))
	}
	user := "me"
	o.prefs.Get(PrefLastUserEmail, &user)
	key := likeKey(itemID, user)

	var current Like
	if _, err := o.Store.Get(ctx, CollLikes, key, &current); err != nil {
		return nil, err
	}
	next := Like{
		ItemID:    itemID,
		CourseID:  courseID,
		IsReply:   replyID != "",
		Liked:     !current.Liked,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.Store.Put(ctx, CollLikes, key, next); err != nil {
		return nil, fmt.Errorf("store like: %w", err)
	}

	_, err := o.Submit(ctx, Mutation{
		Kind:    KindLike,
		Method:  http.MethodPost,
		Path:    path,
		Payload: map[string]any{"liked": next.Liked},
	})
	if err != nil {
		if current.ItemID == "" {
			_ = o.Store.Remove(ctx, CollLikes, key)
		} else {
			_ = o.Store.Put(ctx, CollLikes, key, current)
		}
		return nil, err
	}
	return &next, nil
}

// SubmitAssessment submits answers for an assessment. The submission is kept
// in the submissions collection until the server has it.
func (o *OfflineManager) SubmitAssessment(ctx context.Context, assessmentID string, answers any) (*SubmitResult, error) {
	res, err := o.Submit(ctx, Mutation{
		Kind:    KindAssessmentSubmission,
		Method:  http.MethodPost,
		Path:    "/api/courses/assessments/" + url.PathEscape(assessmentID) + "/submit",
		Payload: answers,
	})
	if err != nil {
		return nil, err
	}
	record := map[string]any{
		"assessmentId": assessmentID,
		"answers":      answers,
		"submittedAt":  time.Now().UTC(),
		"pendingSync":  res.Queued,
	}
	if err := o.Store.Put(ctx, CollSubmissions, assessmentID, record); err != nil {
		o.logger.Warn("record submission", zap.String("collection", CollSubmissions), zap.String("key", assessmentID), zap.Error(err))
	}
	return res, nil
}

// ApplyForJob submits a job application.
func (o *OfflineManager) ApplyForJob(ctx context.Context, jobID string, application any) (*SubmitResult, error) {
	return o.Submit(ctx, Mutation{
		Kind:    KindJobApplication,
		Method:  http.MethodPost,
		Path:    "/api/jobs/" + url.PathEscape(jobID) + "/apply",
		Payload: application,
	})
}

// SubmitForm sends an arbitrary form to path.
func (o *OfflineManager) SubmitForm(ctx context.Context, method, path string, form any) (*SubmitResult, error) {
	return o.Submit(ctx, Mutation{
		Kind:    KindFormSubmission,
		Method:  method,
		Path:    path,
		Payload: form,
	})
}

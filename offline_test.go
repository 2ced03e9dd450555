package refulearn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCourse(t *testing.T, m *OfflineManager) *Course {
	t.Helper()
	course := sampleCourse()
	require.NoError(t, m.Set(context.Background(), CollCourses, course.ID, course))
	return course
}

func waitForEmptyQueue(t *testing.T, m *OfflineManager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.QueueSize() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOfflineCompletionRoundTrip(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPut, "/api/courses/c1/modules/m1/items/description_0/complete", http.StatusOK, `{"success":true}`)
	api.respond(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete", http.StatusOK, `{"success":true}`)
	api.respond(http.MethodGet, "/api/courses/c1/progress", http.StatusOK,
		`{"success":true,"data":{"progress":{"courseId":"c1","progressPercentage":0,"allCompletedItems":[]}}}`)

	m := newTestManager(t, api)
	seedCourse(t, m)

	var events []string
	var mu sync.Mutex
	record := func(event string, _ any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	m.On(EventOffline, record)
	m.On(EventOnline, record)

	m.SetOnline(false)
	first, err := m.MarkComplete(ctx, "c1", "m1", KindDescription, 0)
	require.NoError(t, err)
	assert.True(t, first.Queued)
	assert.Equal(t, "description_0", first.Key)

	second, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
	require.NoError(t, err)
	assert.True(t, second.Queued)
	assert.Equal(t, "quiz_4", second.Key)

	assert.Equal(t, 2, m.QueueSize())
	assert.Empty(t, api.allCalls())

	local := m.Tracker().Completed(ctx, "c1")
	assert.True(t, local.HasIn("m1", "description_0"))
	assert.True(t, local.HasIn("m1", "quiz_4"))

	m.SetOnline(true)
	waitForEmptyQueue(t, m)

	calls := api.calls(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete")
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"completed":true,"itemType":"quiz","itemIndex":4,"completionKey":"quiz_4"}`, string(calls[0].Body))

	report, err := m.SyncProgress(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, report.Modules, 2)
	assert.Equal(t, 2, report.Modules[0].Completed)
	assert.True(t, report.Merged.Has(ScopedKey("m1", "description_0")))
	assert.True(t, report.Merged.Has(ScopedKey("m1", "quiz_4")))

	mu.Lock()
	assert.Equal(t, []string{EventOffline, EventOnline}, events)
	mu.Unlock()
}

func TestMarkCompleteRollback(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete", http.StatusForbidden, `{"message":"not enrolled"}`)
	m := newTestManager(t, api)
	seedCourse(t, m)

	_, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)

	local := m.Tracker().Completed(ctx, "c1")
	assert.False(t, local.HasIn("m1", "quiz_4"))
	assert.Equal(t, 0, m.QueueSize())
}

func TestMarkCompleteKeepsEarlierCompletionOnRollback(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete", http.StatusBadRequest, `{}`)
	m := newTestManager(t, api)
	seedCourse(t, m)

	m.Tracker().Merge(ctx, "c1", NewCompletedSet("quiz_4"))
	_, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
	require.Error(t, err)
	assert.True(t, m.Tracker().Completed(ctx, "c1").Has("quiz_4"))
}

func TestMarkCompleteRollbackKeepsServerConfirmedKey(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	api.handle(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete", func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusConflict)
	})
	m := newTestManager(t, api)
	seedCourse(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
		done <- err
	}()
	<-entered

	_, err := m.ReconcileProgress(ctx, "c1", &ServerProgress{
		ModulesProgress: map[string]ModuleProgress{"m1": {CompletedItems: []string{"quiz_4"}}},
	})
	require.NoError(t, err)

	close(release)
	var se *StatusError
	require.ErrorAs(t, <-done, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)

	local := m.Tracker().Completed(ctx, "c1")
	assert.True(t, local.Has(ScopedKey("m1", "quiz_4")))
	assert.True(t, local.Has("quiz_4"))
}

func TestMarkCompleteRollbackAfterLocalReconcile(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	api.handle(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete", func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusForbidden)
	})
	m := newTestManager(t, api)
	seedCourse(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
		done <- err
	}()
	<-entered

	// Reconciling with no server record only reads local state.
	report, err := m.ReconcileProgress(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	close(release)
	require.Error(t, <-done)
	assert.Equal(t, 0, m.Tracker().Completed(ctx, "c1").Len())
}

func TestLocalCompletionStaysInItsModule(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeAPI(t))
	seedCourse(t, m)
	m.SetOnline(false)

	_, err := m.MarkComplete(ctx, "c1", "m1", KindDescription, 0)
	require.NoError(t, err)

	local := m.Tracker().Completed(ctx, "c1")
	assert.True(t, local.Has(ScopedKey("m1", "description_0")))
	assert.False(t, local.Has("description_0"))

	report, err := m.ReconcileProgress(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, report.Modules, 2)
	assert.Equal(t, 1, report.Modules[0].Completed)
	assert.False(t, report.Modules[1].Complete)
	assert.False(t, report.CourseComplete)
}

func TestMarkCompleteInFlight(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	api.handle(http.MethodPut, "/api/courses/c1/modules/m1/items/q1/complete", func(w http.ResponseWriter, _ *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	})
	m := newTestManager(t, api)
	seedCourse(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
		done <- err
	}()
	<-entered

	_, err := m.MarkComplete(ctx, "c1", "m1", KindQuiz, 0)
	assert.ErrorIs(t, err, ErrInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestMarkCompleteUnknownItem(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeAPI(t))
	seedCourse(t, m)

	_, err := m.MarkComplete(ctx, "c1", "m1", KindDiscussion, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.MarkComplete(ctx, "c1", "m9", KindQuiz, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.MarkComplete(ctx, "c9", "m1", KindQuiz, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletionsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewMemoryStore()
	api := newFakeAPI(t)

	m := NewOfflineManager(store, NewClient(api.URL), &OfflineOptions{PrefsDir: dir})
	require.NoError(t, m.Set(ctx, CollCourses, "c1", sampleCourse()))
	m.SetOnline(false)
	_, err := m.MarkComplete(ctx, "c1", "m1", KindVideo, 0)
	require.NoError(t, err)
	m.Destroy()

	// The preferences mirror alone is enough to restore the set.
	m2 := NewOfflineManager(NewMemoryStore(), NewClient(api.URL), &OfflineOptions{PrefsDir: dir})
	defer m2.Destroy()
	assert.True(t, m2.Tracker().Completed(ctx, "c1").HasIn("m1", "video_2"))
}

func TestToggleLike(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	m := newTestManager(t, api)
	m.SetOnline(false)

	like, err := m.ToggleLike(ctx, "c1", "d1", "")
	require.NoError(t, err)
	assert.True(t, like.Liked)
	unlike, err := m.ToggleLike(ctx, "c1", "d1", "")
	require.NoError(t, err)
	assert.False(t, unlike.Liked)

	items, err := m.Queue().Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"liked":true}`, string(items[0].Payload))
	assert.JSONEq(t, `{"liked":false}`, string(items[1].Payload))
	assert.Equal(t, "/api/courses/c1/discussions/d1/like", items[0].Path)

	reply, err := m.ToggleLike(ctx, "c1", "d1", "r1")
	require.NoError(t, err)
	assert.True(t, reply.IsReply)

	var stored Like
	found, err := m.Get(ctx, CollLikes, likeKey("d1", "me"), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, stored.Liked)
}

func TestToggleLikeRejectedRestores(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/courses/c1/discussions/d1/like", http.StatusNotFound, `{}`)
	m := newTestManager(t, api)

	_, err := m.ToggleLike(ctx, "c1", "d1", "")
	require.Error(t, err)
	found, err := m.Get(ctx, CollLikes, likeKey("d1", "me"), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSubmitReplyOffline(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/courses/c1/discussions/d1/replies", http.StatusCreated, `{"success":true}`)
	m := newTestManager(t, api)
	require.NoError(t, m.Preferences().Set(PrefLastUserEmail, "amina@example.org"))

	m.SetOnline(false)
	reply, err := m.SubmitReply(ctx, "c1", "d1", "Thanks!")
	require.NoError(t, err)
	assert.True(t, reply.PendingSync)
	assert.Equal(t, "amina@example.org", reply.AuthorEmail)

	m.SetOnline(true)
	waitForEmptyQueue(t, m)

	require.Eventually(t, func() bool {
		var stored Reply
		found, err := m.Get(ctx, CollReplies, reply.ID, &stored)
		return err == nil && found && !stored.PendingSync
	}, 5*time.Second, 10*time.Millisecond)

	calls := api.calls(http.MethodPost, "/api/courses/c1/discussions/d1/replies")
	require.Len(t, calls, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal(calls[0].Body, &body))
	assert.Equal(t, reply.ID, body["clientReplyId"])
}

func TestSubmitReplyRejected(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/courses/c1/discussions/d1/replies", http.StatusBadRequest, `{"message":"empty"}`)
	m := newTestManager(t, api)

	_, err := m.SubmitReply(ctx, "c1", "d1", "")
	require.Error(t, err)
	replies, err := m.List(ctx, CollReplies)
	require.NoError(t, err)
	assert.Empty(t, replies)
}

func TestEnrollAndSubmitOffline(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/courses/c1/enroll", http.StatusOK, `{}`)
	api.respond(http.MethodPost, "/api/courses/assessments/a1/submit", http.StatusOK, `{}`)
	api.respond(http.MethodPost, "/api/jobs/j1/apply", http.StatusOK, `{}`)
	m := newTestManager(t, api)

	m.SetOnline(false)
	res, err := m.EnrollInCourse(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	_, err = m.SubmitAssessment(ctx, "a1", map[string]any{"answers": []int{1, 2}})
	require.NoError(t, err)
	_, err = m.ApplyForJob(ctx, "j1", map[string]string{"cover": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 3, m.QueueSize())

	m.SetOnline(true)
	waitForEmptyQueue(t, m)

	require.Eventually(t, func() bool {
		var enrollment, submission map[string]any
		_, err1 := m.Get(ctx, CollEnrollments, "c1", &enrollment)
		_, err2 := m.Get(ctx, CollSubmissions, "a1", &submission)
		return err1 == nil && err2 == nil &&
			enrollment["pendingSync"] == false && submission["pendingSync"] == false
	}, 5*time.Second, 10*time.Millisecond)

	calls := api.allCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "/api/courses/c1/enroll", calls[0].Path)
	assert.Equal(t, "/api/courses/assessments/a1/submit", calls[1].Path)
	assert.Equal(t, "/api/jobs/j1/apply", calls[2].Path)
}

func TestClearCacheKeepsQueue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeAPI(t))
	seedCourse(t, m)
	require.NoError(t, m.Preferences().Set(PrefLastUserEmail, "a@b.org"))

	m.SetOnline(false)
	_, err := m.MarkComplete(ctx, "c1", "m1", KindVideo, 0)
	require.NoError(t, err)
	require.Equal(t, 1, m.QueueSize())

	require.NoError(t, m.ClearCache(ctx))
	assert.Equal(t, 1, m.QueueSize())
	_, err = m.Course(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Tracker().Completed(ctx, "c1").Len())
	assert.Empty(t, m.Preferences().Keys())
}

// clearHookStore runs beforeClear just before delegating Clear.
type clearHookStore struct {
	Store
	beforeClear func()
}

func (s *clearHookStore) Clear(ctx context.Context, collections ...Collection) error {
	if s.beforeClear != nil {
		s.beforeClear()
	}
	return s.Store.Clear(ctx, collections...)
}

func TestClearCacheKeepsConcurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	store := &clearHookStore{Store: NewMemoryStore()}
	m := NewOfflineManager(store, NewClient(newFakeAPI(t).URL), &OfflineOptions{FlushInterval: time.Hour})
	require.NoError(t, m.Init(ctx))
	t.Cleanup(m.Destroy)
	m.SetOnline(false)

	var queued *QueueItem
	store.beforeClear = func() {
		item, err := m.EnqueueMutation(ctx, KindEnrollment, http.MethodPost, "/api/courses/c1/enroll", nil)
		require.NoError(t, err)
		queued = item
	}
	require.NoError(t, m.ClearCache(ctx))

	require.NotNil(t, queued)
	items, err := m.Queue().Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, queued.ID, items[0].ID)
}

func TestReconnectDrainIgnoresBackoff(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	var mu sync.Mutex
	calls := 0
	api.handle(http.MethodPost, "/api/jobs/j1/apply", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	m := NewOfflineManager(NewMemoryStore(), NewClient(api.URL), &OfflineOptions{
		FlushInterval: time.Hour,
		RetryBase:     time.Hour,
		MaxBackoff:    time.Hour,
	})
	require.NoError(t, m.Init(ctx))
	t.Cleanup(m.Destroy)

	m.SetOnline(false)
	_, err := m.EnqueueMutation(ctx, KindJobApplication, http.MethodPost, "/api/jobs/j1/apply", map[string]any{"coverLetter": "hello"})
	require.NoError(t, err)

	// The first replay fails and backs the item off for an hour.
	m.SetOnline(true)
	require.Eventually(t, func() bool {
		items, err := m.Queue().Items(ctx)
		return err == nil && len(items) == 1 && items[0].Attempts == 1 && items[0].Status == StatusPending
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		res, err := m.Drain(ctx)
		return err == nil && !res.Skipped && res.Deferred == 1
	}, 5*time.Second, 10*time.Millisecond)

	m.SetOnline(false)
	m.SetOnline(true)
	waitForEmptyQueue(t, m)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestFetchRoutesMutationsThroughQueue(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPost, "/api/forms/f1/submit", http.StatusCreated, `{"id":"s1"}`)
	api.respond(http.MethodGet, "/api/jobs", http.StatusOK, `{"jobs":[]}`)
	m := newTestManager(t, api)

	resp, err := m.Fetch(ctx, http.MethodPost, "/api/forms/f1/submit", map[string]any{"name": "Amina"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = m.Fetch(ctx, "get", "/api/jobs", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobs":[]}`, string(resp.Body))

	m.SetOnline(false)
	resp, err = m.Fetch(ctx, http.MethodPost, "/api/forms/f1/submit", map[string]any{"name": "Amina"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	items, err := m.Queue().Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, KindRequest, items[0].Kind)

	_, err = m.Fetch(ctx, http.MethodHead, "/api/jobs", nil)
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestFetchCourseFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeAPI(t))
	seedCourse(t, m)
	m.SetOnline(false)

	course, err := m.FetchCourse(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Digital skills", course.Title)
}

func TestFetchProgressAcceptsCompletedItems(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodGet, "/api/courses/c1/progress", http.StatusOK,
		`{"progress":{"progressPercentage":20,"completedItems":["video_2"]}}`)
	m := newTestManager(t, api)

	p, err := m.FetchProgress(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", p.CourseID)
	assert.Equal(t, []string{"video_2"}, p.AllCompletedItems)
}

func TestSyncProgressOfflineUsesLocalState(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeAPI(t))
	seedCourse(t, m)
	m.Tracker().Merge(ctx, "c1", NewCompletedSet(ScopedKey("m2", "description_0")))
	m.SetOnline(false)

	var got ProgressReport
	m.On(EventProgressReconciled, func(_ string, payload any) { got = payload.(ProgressReport) })

	report, err := m.SyncProgress(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, report.Completed, got.Completed)
}

func TestEnqueueMutationDrainsWhenOnline(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodPatch, "/api/users/profile", http.StatusOK, `{}`)
	m := newTestManager(t, api)

	item, err := m.EnqueueMutation(ctx, KindProfileUpdate, http.MethodPatch, "/api/users/profile", map[string]string{"bio": "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	waitForEmptyQueue(t, m)
	assert.Len(t, api.calls(http.MethodPatch, "/api/users/profile"), 1)
}

func TestEventHandlerPanicIsContained(t *testing.T) {
	m := newTestManager(t, newFakeAPI(t))
	called := false
	m.On(EventOffline, func(string, any) { panic("boom") })
	m.On(EventOffline, func(string, any) { called = true })

	assert.NotPanics(t, func() { m.SetOnline(false) })
	assert.True(t, called)
}

func TestLikeReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	var (
		mu     sync.Mutex
		likers = map[string]bool{}
		counts []int
	)
	api.handle(http.MethodPost, "/api/courses/c1/discussions/d1/like", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Liked bool `json:"liked"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		if body.Liked {
			likers["me"] = true
		} else {
			delete(likers, "me")
		}
		counts = append(counts, len(likers))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	m := newTestManager(t, api)
	m.SetOnline(false)

	for _, liked := range []bool{true, true, false, false} {
		_, err := m.EnqueueMutation(ctx, KindLike, http.MethodPost, "/api/courses/c1/discussions/d1/like", map[string]bool{"liked": liked})
		require.NoError(t, err)
	}
	m.SetOnline(true)
	waitForEmptyQueue(t, m)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1, 0, 0}, counts)
}

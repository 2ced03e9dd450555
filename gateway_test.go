package refulearn

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "GET /api/courses", ResourceKey("get", "/api/courses"))
	assert.Equal(t,
		ResourceKey("GET", "/api/jobs?page=2&limit=10"),
		ResourceKey("GET", "/api/jobs?limit=10&page=2"),
	)
	assert.NotEqual(t, ResourceKey("GET", "/api/jobs"), ResourceKey("POST", "/api/jobs"))
}

func TestGatewayFetch(t *testing.T) {
	ctx := context.Background()
	const coursesBody = `{"success":true,"data":{"courses":[{"_id":"c1","title":"Intro"}]}}`

	t.Run("offline read returns captured bytes", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/courses", http.StatusOK, coursesBody)
		gw, _ := newTestGateway(t, api, NewMemoryStore())

		online, err := gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		require.NoError(t, err)
		assert.False(t, online.FromCache)
		gw.Wait()

		gw.SetOnline(false)
		offline, err := gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		require.NoError(t, err)
		assert.True(t, offline.FromCache)
		assert.Equal(t, []byte(coursesBody), offline.Body)
		assert.Len(t, api.calls(http.MethodGet, "/api/courses"), 1)
	})

	t.Run("offline miss", func(t *testing.T) {
		api := newFakeAPI(t)
		gw, _ := newTestGateway(t, api, NewMemoryStore())
		gw.SetOnline(false)

		_, err := gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		assert.ErrorIs(t, err, ErrNotCached)
		assert.Empty(t, api.allCalls())
	})

	t.Run("offline write", func(t *testing.T) {
		api := newFakeAPI(t)
		gw, _ := newTestGateway(t, api, NewMemoryStore())
		gw.SetOnline(false)

		_, err := gw.Fetch(ctx, http.MethodPost, "/api/jobs/j1/apply", nil)
		assert.ErrorIs(t, err, ErrOffline)
	})

	t.Run("unauthorized falls back to cache", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/users/profile", http.StatusOK, `{"user":{"_id":"u1","email":"a@b.org"}}`)
		gw, _ := newTestGateway(t, api, NewMemoryStore())

		_, err := gw.Fetch(ctx, http.MethodGet, "/api/users/profile", nil)
		require.NoError(t, err)
		gw.Wait()

		api.respond(http.MethodGet, "/api/users/profile", http.StatusUnauthorized, `{"message":"token expired"}`)
		resp, err := gw.Fetch(ctx, http.MethodGet, "/api/users/profile", nil)
		require.NoError(t, err)
		assert.True(t, resp.FromCache)
	})

	t.Run("unauthorized without cache", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/users/profile", http.StatusUnauthorized, `{"message":"token expired"}`)
		gw, _ := newTestGateway(t, api, NewMemoryStore())

		_, err := gw.Fetch(ctx, http.MethodGet, "/api/users/profile", nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
		assert.Contains(t, se.Error(), "token expired")
	})

	t.Run("transport failure falls back to cache", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/jobs", http.StatusOK, `{"jobs":[]}`)
		store := NewMemoryStore()
		gw, _ := newTestGateway(t, api, store)

		_, err := gw.Fetch(ctx, http.MethodGet, "/api/jobs", nil)
		require.NoError(t, err)
		gw.Wait()

		api.Close()
		resp, err := gw.Fetch(ctx, http.MethodGet, "/api/jobs", nil)
		require.NoError(t, err)
		assert.True(t, resp.FromCache)
		assert.Equal(t, `{"jobs":[]}`, string(resp.Body))
	})

	t.Run("writes are never cached", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/courses/c1/enroll", http.StatusOK, `{"success":true}`)
		store := NewMemoryStore()
		gw, _ := newTestGateway(t, api, store)

		_, err := gw.Fetch(ctx, http.MethodPost, "/api/courses/c1/enroll", nil)
		require.NoError(t, err)
		gw.Wait()

		entries, err := store.List(ctx, CollAPICache)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("error status is not cached", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/courses", http.StatusInternalServerError, `{"message":"boom"}`)
		store := NewMemoryStore()
		gw, _ := newTestGateway(t, api, store)

		_, err := gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
		gw.Wait()

		entries, err := store.List(ctx, CollAPICache)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("failed cache write does not affect the response", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/courses", http.StatusOK, coursesBody)
		metrics := NewMetrics("test")
		store := &failingStore{Store: NewMemoryStore(), collection: CollAPICache}
		gw := NewGateway(NewClient(api.URL), store, nil, &GatewayOptions{Metrics: metrics})

		resp, err := gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		require.NoError(t, err)
		assert.Equal(t, coursesBody, string(resp.Body))
		gw.Wait()
	})

	t.Run("expired entries are not served", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodGet, "/api/courses", http.StatusOK, coursesBody)
		store := NewMemoryStore()
		gw := NewGateway(NewClient(api.URL), store, nil, &GatewayOptions{CacheTTL: time.Minute})

		_, err := gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		require.NoError(t, err)
		gw.Wait()

		gw.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		gw.SetOnline(false)
		_, err = gw.Fetch(ctx, http.MethodGet, "/api/courses", nil)
		assert.ErrorIs(t, err, ErrNotCached)

		removed, err := gw.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})
}

func TestGatewayRouting(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodGet, "/api/courses", http.StatusOK,
		`{"success":true,"data":{"courses":[{"_id":"c1","title":"Intro"},{"id":"c2","title":"Next"}]}}`)
	api.respond(http.MethodGet, "/api/courses/c1", http.StatusOK,
		`{"success":true,"data":{"course":{"_id":"c1","title":"Intro","modules":[{"_id":"m1","title":"One"}]}}}`)
	api.respond(http.MethodGet, "/api/courses/c1/progress", http.StatusOK,
		`{"success":true,"data":{"progress":{"courseId":"c1","progressPercentage":50,"allCompletedItems":["description_0"]}}}`)
	api.respond(http.MethodGet, "/api/users/profile", http.StatusOK,
		`{"user":{"_id":"u1","email":"amina@example.org"}}`)
	api.respond(http.MethodGet, "/api/jobs", http.StatusOK, `[{"_id":"j1"}]`)

	store := NewMemoryStore()
	gw, _ := newTestGateway(t, api, store)
	for _, p := range []string{"/api/courses", "/api/courses/c1", "/api/courses/c1/progress", "/api/users/profile", "/api/jobs"} {
		_, err := gw.Fetch(ctx, http.MethodGet, p, nil)
		require.NoError(t, err, p)
		gw.Wait()
	}

	var course Course
	found, err := store.Get(ctx, CollCourses, "c1", &course)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, course.Modules, 1, "detail response replaces the list entry")

	found, err = store.Get(ctx, CollCourses, "c2", nil)
	require.NoError(t, err)
	assert.True(t, found)

	var progress ServerProgress
	found, err = store.Get(ctx, CollProgress, "c1", &progress)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"description_0"}, progress.AllCompletedItems)

	found, err = store.Get(ctx, CollUsers, "amina@example.org", nil)
	require.NoError(t, err)
	assert.True(t, found)
	var email string
	assert.True(t, gw.prefs.Get(PrefLastUserEmail, &email))
	assert.Equal(t, "amina@example.org", email)

	found, err = store.Get(ctx, CollJobs, "j1", nil)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestGatewaySubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("delivered", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/jobs/j1/apply", http.StatusCreated, `{"success":true}`)
		gw, q := newTestGateway(t, api, NewMemoryStore())

		res, err := gw.Submit(ctx, Mutation{Kind: KindJobApplication, Method: "post", Path: "/api/jobs/j1/apply", Payload: map[string]string{"note": "hi"}})
		require.NoError(t, err)
		assert.False(t, res.Queued)
		require.NotNil(t, res.Response)
		assert.Equal(t, 0, q.Size(ctx))

		calls := api.calls(http.MethodPost, "/api/jobs/j1/apply")
		require.Len(t, calls, 1)
		assert.NotEmpty(t, calls[0].Header.Get("Idempotency-Key"))
		assert.JSONEq(t, `{"note":"hi"}`, string(calls[0].Body))
	})

	t.Run("offline is queued", func(t *testing.T) {
		api := newFakeAPI(t)
		gw, q := newTestGateway(t, api, NewMemoryStore())
		gw.SetOnline(false)

		res, err := gw.Submit(ctx, Mutation{Kind: KindEnrollment, Method: http.MethodPost, Path: "/api/courses/c1/enroll"})
		require.NoError(t, err)
		assert.True(t, res.Queued)
		assert.NotEmpty(t, res.QueueID)
		assert.Equal(t, 1, q.Size(ctx))
		assert.Empty(t, api.allCalls())
	})

	t.Run("server error is queued", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/courses/c1/enroll", http.StatusServiceUnavailable, `{}`)
		gw, q := newTestGateway(t, api, NewMemoryStore())

		res, err := gw.Submit(ctx, Mutation{Kind: KindEnrollment, Method: http.MethodPost, Path: "/api/courses/c1/enroll"})
		require.NoError(t, err)
		assert.True(t, res.Queued)

		items, err := q.Items(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		sent := api.calls(http.MethodPost, "/api/courses/c1/enroll")[0].Header.Get("Idempotency-Key")
		assert.Equal(t, sent, items[0].IdempotencyKey, "replay reuses the first attempt's key")
	})

	t.Run("rejection is surfaced and not queued", func(t *testing.T) {
		api := newFakeAPI(t)
		api.respond(http.MethodPost, "/api/courses/c1/enroll", http.StatusConflict, `{"message":"already enrolled"}`)
		gw, q := newTestGateway(t, api, NewMemoryStore())

		_, err := gw.Submit(ctx, Mutation{Kind: KindEnrollment, Method: http.MethodPost, Path: "/api/courses/c1/enroll"})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusConflict, se.StatusCode)
		assert.Equal(t, 0, q.Size(ctx))
	})

	t.Run("invalid mutation", func(t *testing.T) {
		api := newFakeAPI(t)
		gw, _ := newTestGateway(t, api, NewMemoryStore())

		_, err := gw.Submit(ctx, Mutation{Kind: KindEnrollment, Method: http.MethodGet, Path: "/api/x"})
		assert.ErrorIs(t, err, ErrInvalidMutation)
		_, err = gw.Submit(ctx, Mutation{Method: http.MethodPost, Path: "api/x"})
		assert.ErrorIs(t, err, ErrInvalidMutation)
	})

	t.Run("queue write failure is reported", func(t *testing.T) {
		api := newFakeAPI(t)
		store := &failingStore{Store: NewMemoryStore(), collection: CollSyncQueue}
		gw, _ := newTestGateway(t, api, store)
		gw.SetOnline(false)

		_, err := gw.Submit(ctx, Mutation{Kind: KindEnrollment, Method: http.MethodPost, Path: "/api/courses/c1/enroll"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOffline))
	})
}

func TestGatewayBreaker(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI(t)
	api.respond(http.MethodGet, "/api/jobs", http.StatusInternalServerError, `{}`)
	gw := NewGateway(NewClient(api.URL), NewMemoryStore(), nil, &GatewayOptions{
		BreakerMinRequests:  2,
		BreakerFailureRatio: 0.5,
		BreakerOpenTimeout:  time.Hour,
	})

	for i := 0; i < 2; i++ {
		_, err := gw.Fetch(ctx, http.MethodGet, "/api/jobs", nil)
		require.Error(t, err)
	}
	_, err := gw.Fetch(ctx, http.MethodGet, "/api/jobs", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Len(t, api.calls(http.MethodGet, "/api/jobs"), 2, "open breaker short-circuits")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(ErrOffline))
	assert.True(t, IsRetryable(errors.New("connection refused")))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 401}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 429}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 502}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: 400}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: 404}))
}

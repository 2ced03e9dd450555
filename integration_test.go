//go:build integration

package refulearn_test

import (
	"context"
	"os"
	"testing"
	"time"

	refulearn "github.com/RefuLearn/refulearn/sdk/golang"
)

// helpers ---------------------------------------------------------------

func apiToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("REFULEARN_TOKEN_TEST")
	if token == "" {
		t.Fatal("REFULEARN_TOKEN_TEST environment variable is required")
	}
	return token
}

func testBaseURL() string {
	if v := os.Getenv("REFULEARN_BASE_URL_TEST"); v != "" {
		return v
	}
	return refulearn.DefaultBaseURL
}

func newManager(t *testing.T) *refulearn.OfflineManager {
	t.Helper()
	store, err := refulearn.OpenSQLiteStore(t.TempDir()+"/it.db", nil)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := refulearn.NewClient(testBaseURL(), refulearn.WithToken(apiToken(t)))
	m := refulearn.NewOfflineManager(store, client, &refulearn.OfflineOptions{PrefsDir: t.TempDir()})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

// =======================================================================
// Offline round trip against a live API
// =======================================================================

func TestIntegration_CoursesServedOffline(t *testing.T) {
	m := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	online, err := m.CachedFetch(ctx, "/api/courses")
	if err != nil {
		t.Fatalf("online fetch: %v", err)
	}
	m.Gateway().Wait()

	m.SetOnline(false)
	offline, err := m.CachedFetch(ctx, "/api/courses")
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if !offline.FromCache {
		t.Error("expected offline response to come from the cache")
	}
	if string(offline.Body) != string(online.Body) {
		t.Error("cached body differs from the network body")
	}
}

func TestIntegration_ProgressReconcile(t *testing.T) {
	courseID := os.Getenv("REFULEARN_COURSE_ID_TEST")
	if courseID == "" {
		t.Skip("REFULEARN_COURSE_ID_TEST not set")
	}
	m := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.FetchCourse(ctx, courseID); err != nil {
		t.Fatalf("FetchCourse: %v", err)
	}
	m.Gateway().Wait()

	report, err := m.SyncProgress(ctx, courseID)
	if err != nil {
		t.Fatalf("SyncProgress: %v", err)
	}
	t.Logf("progress %s: %d/%d (server %.1f%%)", courseID, report.Completed, report.Total, report.ServerPercentage)
	if report.Completed > report.Total {
		t.Errorf("completed %d exceeds total %d", report.Completed, report.Total)
	}
}

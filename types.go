package refulearn

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents the error envelope returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Envelope is the standard `{success, data, message}` wrapper used by the API.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// ============================================================================
// Course Types
// ============================================================================

// Course is a course snapshot as returned by /api/courses/{id}.
type Course struct {
	ID          string    `json:"_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Modules     []*Module `json:"modules,omitempty"`
}

func (c *Course) UnmarshalJSON(data []byte) error {
	type alias Course
	var raw struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Course(raw.alias)
	if c.ID == "" {
		c.ID = raw.AltID
	}
	return nil
}

// Module is one section of a course. The completable units inside a module
// are enumerated by Items in a fixed category order.
type Module struct {
	ID           string        `json:"_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Content      string        `json:"content,omitempty"`
	VideoURL     string        `json:"videoUrl,omitempty"`
	VideoTitle   string        `json:"videoTitle,omitempty"`
	Resources    []Resource    `json:"resources,omitempty"`
	ContentItems []ContentItem `json:"contentItems,omitempty"`
	Assessments  []Activity    `json:"assessments,omitempty"`
	Quizzes      []Activity    `json:"quizzes,omitempty"`
	Discussions  []Activity    `json:"discussions,omitempty"`
}

func (m *Module) UnmarshalJSON(data []byte) error {
	type alias Module
	var raw struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Module(raw.alias)
	if m.ID == "" {
		m.ID = raw.AltID
	}
	return nil
}

// Resource is an external link attached to a module.
type Resource struct {
	ID    string `json:"_id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type,omitempty"`
}

// ContentItem is an article, file, video or audio item inside a module.
type ContentItem struct {
	ID          string `json:"_id,omitempty"`
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	PublicURL   string `json:"publicUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

// ResolvedURL returns the first usable URL of the item.
func (ci ContentItem) ResolvedURL() string {
	for _, u := range []string{ci.FileURL, ci.PublicURL, ci.URL} {
		if strings.TrimSpace(u) != "" {
			return u
		}
	}
	return ""
}

// Activity is an assessment, quiz or discussion reference. The API returns
// either populated objects or bare id strings; both decode.
type Activity struct {
	ID    string `json:"_id,omitempty"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

func (a *Activity) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*a = Activity{ID: id}
		return nil
	}
	type alias Activity
	var raw struct {
		alias
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Activity(raw.alias)
	if a.ID == "" {
		a.ID = raw.AltID
	}
	return nil
}

// ============================================================================
// Progress Types
// ============================================================================

// ServerProgress is the authoritative progress record from
// /api/courses/{id}/progress.
type ServerProgress struct {
	CourseID           string                    `json:"courseId,omitempty"`
	ProgressPercentage float64                   `json:"progressPercentage"`
	AllCompletedItems  []string                  `json:"allCompletedItems,omitempty"`
	ModulesProgress    map[string]ModuleProgress `json:"modulesProgress,omitempty"`
}

// ModuleProgress is the per-module breakdown inside ServerProgress.
type ModuleProgress struct {
	CompletedItems []string `json:"completedItems,omitempty"`
	Completed      bool     `json:"completed,omitempty"`
	CompletedAt    string   `json:"completedAt,omitempty"`
}

// ============================================================================
// Cache Types
// ============================================================================

// CachedResponse is a captured GET payload. Payload holds the exact bytes the
// network returned; entries are replaced wholesale, never edited.
type CachedResponse struct {
	Key        string    `json:"key"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"capturedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (c *CachedResponse) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ============================================================================
// Queue Types
// ============================================================================

// MutationKind names the kind of a deferred write.
type MutationKind string

const (
	KindEnrollment           MutationKind = "enrollment"
	KindReply                MutationKind = "reply"
	KindLike                 MutationKind = "like"
	KindFormSubmission       MutationKind = "form-submission"
	KindCompletion           MutationKind = "completion"
	KindAssessmentSubmission MutationKind = "assessment-submission"
	KindJobApplication       MutationKind = "job-application"
	KindProfileUpdate        MutationKind = "profile-update"
	// KindRequest marks a mutation sent through OfflineManager.Fetch.
	KindRequest MutationKind = "request"
)

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	StatusPending  QueueStatus = "pending"
	StatusInFlight QueueStatus = "in-flight"
	StatusFailed   QueueStatus = "failed"
)

// Mutation describes a write the UI wants confirmed by the server.
type Mutation struct {
	Kind    MutationKind `json:"kind" validate:"required"`
	Method  string       `json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	Path    string       `json:"path" validate:"required,startswith=/"`
	Payload any          `json:"payload,omitempty"`
	// IdempotencyKey is generated when empty and reused on every replay.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// QueueItem is a persisted mutation awaiting server acknowledgement.
type QueueItem struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	Kind           MutationKind    `json:"kind"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         QueueStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt,omitempty"`
}

// DrainResult summarises one drain cycle.
type DrainResult struct {
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Deferred  int  `json:"deferred"`
	Parked    int  `json:"parked"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped,omitempty"`
}

// SubmitResult is returned by Gateway.Submit. Exactly one of Response or
// Queued is set.
type SubmitResult struct {
	Response *Response `json:"-"`
	Queued   bool      `json:"queued"`
	QueueID  string    `json:"queueId,omitempty"`
}

// ============================================================================
// Discussion Types
// ============================================================================

// Reply is a discussion reply, possibly created offline.
type Reply struct {
	ID           string    `json:"_id"`
	DiscussionID string    `json:"discussionId"`
	CourseID     string    `json:"courseId"`
	Content      string    `json:"content"`
	AuthorEmail  string    `json:"authorEmail,omitempty"`
	Likes        int       `json:"likes"`
	PendingSync  bool      `json:"pendingSync,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Like records that the current user likes a discussion item.
type Like struct {
	ItemID    string    `json:"itemId"`
	CourseID  string    `json:"courseId"`
	IsReply   bool      `json:"isReply,omitempty"`
	Liked     bool      `json:"liked"`
	CreatedAt time.Time `json:"createdAt"`
}

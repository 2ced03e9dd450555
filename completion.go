package refulearn

import (
	"fmt"
	"strings"
)

// ============================================================================
// Completable items
// ============================================================================

// ItemKind is the category of a completable unit inside a module.
type ItemKind string

const (
	KindDescription ItemKind = "description"
	KindContent     ItemKind = "content"
	KindVideo       ItemKind = "video"
	KindResource    ItemKind = "resource"
	KindContentItem ItemKind = "content-item"
	KindAssessment  ItemKind = "assessment"
	KindQuiz        ItemKind = "quiz"
	KindDiscussion  ItemKind = "discussion"
)

// ItemKinds is the fixed category order every module is walked in.
var ItemKinds = []ItemKind{
	KindDescription, KindContent, KindVideo, KindResource,
	KindContentItem, KindAssessment, KindQuiz, KindDiscussion,
}

const defaultContentItemType = "article"

// Item is one completable unit of a module snapshot.
type Item struct {
	Kind ItemKind `json:"kind"`
	// Sub is the position within the item's own array. For content items it
	// is the raw array index, before filtering.
	Sub int `json:"sub"`
	// Index is the running position within the module.
	Index int `json:"index"`
	// Type is the content type used in the completion key.
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// Key returns the positional completion key of the item.
func (it Item) Key() string {
	return fmt.Sprintf("%s_%d", it.Type, it.Index)
}

// Items enumerates the completable units of the module in the fixed order:
// description, content, video, resources, content items, assessments,
// quizzes, discussions. Content items without meaningful content are skipped
// but keep their raw Sub so callers can still address them.
func (m *Module) Items() []Item {
	if m == nil {
		return nil
	}
	var items []Item
	add := func(kind ItemKind, sub int, typ, id, title string) {
		items = append(items, Item{Kind: kind, Sub: sub, Index: len(items), Type: typ, ID: id, Title: title})
	}

	if strings.TrimSpace(m.Description) != "" {
		add(KindDescription, 0, string(KindDescription), "", "Module Description")
	}
	if hasMeaningfulText(m.Content) {
		add(KindContent, 0, string(KindContent), "", "Content")
	}
	if strings.TrimSpace(m.VideoURL) != "" {
		add(KindVideo, 0, string(KindVideo), "", strOr(m.VideoTitle, "Video Lecture"))
	}
	for i, r := range m.Resources {
		add(KindResource, i, string(KindResource), r.ID, strOr(r.Title, fmt.Sprintf("Resource %d", i+1)))
	}
	for i, ci := range m.ContentItems {
		if !HasMeaningfulContent(ci) {
			continue
		}
		add(KindContentItem, i, contentItemType(ci), ci.ID, ci.Title)
	}
	for i, a := range m.Assessments {
		add(KindAssessment, i, string(KindAssessment), a.ID, strOr(a.Title, fmt.Sprintf("Assessment %d", i+1)))
	}
	for i, q := range m.Quizzes {
		add(KindQuiz, i, string(KindQuiz), q.ID, strOr(q.Title, fmt.Sprintf("Quiz %d", i+1)))
	}
	for i, d := range m.Discussions {
		add(KindDiscussion, i, string(KindDiscussion), d.ID, strOr(d.Title, fmt.Sprintf("Discussion %d", i+1)))
	}
	return items
}

// hasMeaningfulText rejects blank module content and serialized empties.
func hasMeaningfulText(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" || t == "[]" || t == "null" || t == `""` {
		return false
	}
	return len(t) > 10
}

func contentItemType(ci ContentItem) string {
	if t := strings.TrimSpace(ci.Type); t != "" {
		return strings.ToLower(t)
	}
	return defaultContentItemType
}

// HasMeaningfulContent reports whether a content item is worth showing and
// tracking. Items need a title; text items need a body and media items need
// a resolvable URL.
func HasMeaningfulContent(ci ContentItem) bool {
	if strings.TrimSpace(ci.Title) == "" {
		return false
	}
	switch contentItemType(ci) {
	case "article", "text":
		return strings.TrimSpace(ci.Content) != ""
	case "file", "video", "audio", "link", "document", "pdf":
		return ci.ResolvedURL() != ""
	default:
		return strings.TrimSpace(ci.Content) != "" || ci.ResolvedURL() != ""
	}
}

// CalculateItemIndex returns the running index of the sub-th item of kind
// within the module, or -1 when the module has no such item (including a
// content item excluded by HasMeaningfulContent).
func CalculateItemIndex(m *Module, kind ItemKind, sub int) int {
	for _, it := range m.Items() {
		if it.Kind == kind && it.Sub == sub {
			return it.Index
		}
	}
	return -1
}

// ComputeKey builds the completion key "{contentType}_{itemIndex}". The
// module is accepted so every call site names the snapshot the index was
// computed against.
func ComputeKey(_ *Module, contentType string, itemIndex int) string {
	return fmt.Sprintf("%s_%d", contentType, itemIndex)
}

// CompletionKey resolves the key of the sub-th item of kind, or "" when the
// item does not exist.
func CompletionKey(m *Module, kind ItemKind, sub int) string {
	for _, it := range m.Items() {
		if it.Kind == kind && it.Sub == sub {
			return ComputeKey(m, it.Type, it.Index)
		}
	}
	return ""
}

// ============================================================================
// Indexer
// ============================================================================

// KeyStrategy selects how completion keys are derived.
type KeyStrategy int

const (
	// PositionalKeys uses "{type}_{index}", the format the server stores.
	PositionalKeys KeyStrategy = iota
	// IdentityKeys uses "{type}_{id}" for items with a persistent id, so keys
	// survive edits that insert earlier items. Items without an id fall back
	// to the positional key.
	IdentityKeys
)

// Diagnostics receives indexing decisions. It replaces ad-hoc debug hooks.
type Diagnostics interface {
	KeyComputed(moduleID string, item Item, key string)
	ItemSkipped(moduleID string, sub int, reason string)
}

// Indexer computes completion keys with a configurable strategy.
type Indexer struct {
	Strategy    KeyStrategy
	Diagnostics Diagnostics
}

// Key returns the completion key of the sub-th item of kind, or "".
func (ix *Indexer) Key(m *Module, kind ItemKind, sub int) string {
	if m == nil {
		return ""
	}
	for _, it := range m.Items() {
		if it.Kind == kind && it.Sub == sub {
			return ix.keyFor(m, it)
		}
	}
	if ix.Diagnostics != nil {
		reason := "not found"
		if kind == KindContentItem && sub >= 0 && sub < len(m.ContentItems) {
			reason = "no meaningful content"
		}
		ix.Diagnostics.ItemSkipped(m.ID, sub, reason)
	}
	return ""
}

// Keys returns the keys of every item of the module in order.
func (ix *Indexer) Keys(m *Module) []string {
	items := m.Items()
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, ix.keyFor(m, it))
	}
	return keys
}

func (ix *Indexer) keyFor(m *Module, it Item) string {
	key := ComputeKey(m, it.Type, it.Index)
	if ix.Strategy == IdentityKeys && it.ID != "" {
		key = it.Type + "_" + it.ID
	}
	if ix.Diagnostics != nil {
		ix.Diagnostics.KeyComputed(m.ID, it, key)
	}
	return key
}

// ItemStatus is one row of Describe.
type ItemStatus struct {
	ModuleID  string `json:"moduleId"`
	Item      Item   `json:"item"`
	Key       string `json:"key"`
	Completed bool   `json:"completed"`
}

// Describe lists every item of the course with its key and whether the set
// marks it complete.
func (ix *Indexer) Describe(course *Course, set CompletedSet) []ItemStatus {
	if course == nil {
		return nil
	}
	var out []ItemStatus
	for _, m := range course.Modules {
		if m == nil {
			continue
		}
		for _, it := range m.Items() {
			key := ix.keyFor(m, it)
			out = append(out, ItemStatus{
				ModuleID:  m.ID,
				Item:      it,
				Key:       key,
				Completed: set.HasIn(m.ID, key),
			})
		}
	}
	return out
}

func strOr(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

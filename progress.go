package refulearn

import (
	"encoding/json"
	"math"
	"sort"
)

// ============================================================================
// CompletedSet
// ============================================================================

// CompletedSet is a set of completion keys. Keys reported inside a module
// breakdown are also stored scoped as "moduleID:key" so that positional keys
// of different modules do not collide.
type CompletedSet map[string]struct{}

// NewCompletedSet builds a set from keys.
func NewCompletedSet(keys ...string) CompletedSet {
	s := make(CompletedSet, len(keys))
	s.Add(keys...)
	return s
}

// ScopedKey qualifies key with its module.
func ScopedKey(moduleID, key string) string {
	return moduleID + ":" + key
}

func (s CompletedSet) Add(keys ...string) {
	for _, k := range keys {
		if k != "" {
			s[k] = struct{}{}
		}
	}
}

func (s CompletedSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// HasIn reports whether key of the given module is complete, either plain or
// scoped.
func (s CompletedSet) HasIn(moduleID, key string) bool {
	return s.Has(key) || (moduleID != "" && s.Has(ScopedKey(moduleID, key)))
}

// Union returns a new set holding the keys of both sets.
func (s CompletedSet) Union(other CompletedSet) CompletedSet {
	out := make(CompletedSet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s CompletedSet) Len() int { return len(s) }

// Keys returns the keys in sorted order.
func (s CompletedSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s CompletedSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

func (s *CompletedSet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewCompletedSet(keys...)
	return nil
}

// ============================================================================
// Reconciliation
// ============================================================================

// ModuleReport is the per-module part of a ProgressReport.
type ModuleReport struct {
	ModuleID  string   `json:"moduleId"`
	Title     string   `json:"title,omitempty"`
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Complete  bool     `json:"complete"`
	Missing   []string `json:"missing,omitempty"`
}

// ProgressReport is the outcome of merging local and server completion state.
type ProgressReport struct {
	CourseID         string         `json:"courseId"`
	Merged           CompletedSet   `json:"merged"`
	Total            int            `json:"total"`
	Completed        int            `json:"completed"`
	Percentage       float64        `json:"percentage"`
	ServerPercentage float64        `json:"serverPercentage"`
	Modules          []ModuleReport `json:"modules"`
	CourseComplete   bool           `json:"courseComplete"`
}

// WholePercent is Percentage truncated to an integer. It only reaches 100
// when every item is covered.
func (r ProgressReport) WholePercent() int {
	return int(math.Floor(r.Percentage))
}

// Reconciler merges completion state for a course.
type Reconciler struct {
	Indexer *Indexer
}

// Reconcile merges with the default positional keys.
func Reconcile(course *Course, server *ServerProgress, local CompletedSet) ProgressReport {
	return (&Reconciler{}).Reconcile(course, server, local)
}

// Reconcile unions local with everything the server reports and measures
// the course against the merged set. The result always contains every key
// of local and of server: reconciliation never removes completion.
//
// A module the server marks completed has all of its current items added.
func (r *Reconciler) Reconcile(course *Course, server *ServerProgress, local CompletedSet) ProgressReport {
	ix := r.Indexer
	if ix == nil {
		ix = &Indexer{}
	}

	merged := local.Union(nil)
	report := ProgressReport{Merged: merged}
	if server != nil {
		report.ServerPercentage = server.ProgressPercentage
		merged.Add(server.AllCompletedItems...)
		for moduleID, mp := range server.ModulesProgress {
			for _, k := range mp.CompletedItems {
				merged.Add(k, ScopedKey(moduleID, k))
			}
		}
	}
	if course == nil {
		return report
	}
	report.CourseID = course.ID

	allComplete := true
	for _, m := range course.Modules {
		if m == nil {
			continue
		}
		keys := ix.Keys(m)
		if server != nil {
			if mp, ok := server.ModulesProgress[m.ID]; ok && mp.Completed {
				for _, k := range keys {
					merged.Add(ScopedKey(m.ID, k))
				}
			}
		}

		mr := ModuleReport{ModuleID: m.ID, Title: m.Title, Total: len(keys)}
		for _, k := range keys {
			if merged.HasIn(m.ID, k) {
				mr.Completed++
			} else {
				mr.Missing = append(mr.Missing, k)
			}
		}
		mr.Complete = mr.Completed == mr.Total
		if !mr.Complete {
			allComplete = false
		}
		report.Total += mr.Total
		report.Completed += mr.Completed
		report.Modules = append(report.Modules, mr)
	}

	if report.Total > 0 {
		report.Percentage = 100 * float64(report.Completed) / float64(report.Total)
	}
	report.CourseComplete = report.Total > 0 && allComplete
	return report
}

// IsModuleCompleted reports whether every item of the module is in set.
// A module with no items is never reported complete on its own.
func IsModuleCompleted(m *Module, set CompletedSet) bool {
	if m == nil {
		return false
	}
	items := m.Items()
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !set.HasIn(m.ID, it.Key()) {
			return false
		}
	}
	return true
}

// Package source implements the Task Source & DAG (spec.md §4.1): it loads
// tasks from one or more PRD JSON files, builds and validates the
// dependency graph, exposes ready/blocked queries, and persists status
// mutations back to the owning PRD file.
package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/blueman82/ralph/internal/filelock"
	"github.com/blueman82/ralph/internal/models"
)

// ErrNoPRDFound is returned when no PRD files could be located or read.
var ErrNoPRDFound = errors.New("no PRD found")

// prdLockTimeout bounds a PRD persist. Factory mode makes every persist
// from its single dispatch loop, so contention is rare, but a longer
// timeout than session/index writes
// tolerates a slow disk without failing a completed task's write.
const prdLockTimeout = 5 * time.Second

// taskOrigin remembers which PRD file a task was loaded from, so writes
// route back to the correct file.
type taskOrigin struct {
	path  string
	index int // index within that file's Items slice
}

// Source owns all Task reads and writes for a run. No two orchestrator
// processes may share a PRD file simultaneously (spec.md §4.1, enforced by
// the Session Manager's active-session invariant, not by this type).
type Source struct {
	dag     *models.DAG
	origins map[string]taskOrigin // task id -> origin
	files   map[string]*models.PRDFile
	lenient bool
}

// Initialize loads tasks from the given PRD file paths, normalizes them,
// builds the DAG, and validates it. A single-file override is simply a
// slice of length 1. Returns ErrNoPRDFound if no file could be read, or a
// *models.CycleError / *models.MissingDependencyError on DAG validation
// failure (spec.md §4.1).
func Initialize(paths []string, lenient bool) (*Source, []string, error) {
	if len(paths) == 0 {
		return nil, nil, ErrNoPRDFound
	}

	s := &Source{
		origins: make(map[string]taskOrigin),
		files:   make(map[string]*models.PRDFile),
		lenient: lenient,
	}

	var allTasks []models.Task
	loadedAny := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var prd models.PRDFile
		if err := json.Unmarshal(data, &prd); err != nil {
			continue
		}
		loadedAny = true
		s.files[path] = &prd
		for i, t := range prd.Items {
			s.origins[t.ID] = taskOrigin{path: path, index: i}
			allTasks = append(allTasks, t)
		}
	}

	if !loadedAny {
		return nil, nil, ErrNoPRDFound
	}

	dag, warnings, err := models.BuildDAG(allTasks, lenient)
	if err != nil {
		return nil, nil, err
	}
	s.dag = dag
	return s, warnings, nil
}

// GetNextTask returns a pending, unblocked task matching the optional
// filters, or nil if none qualify. in_progress tasks are never returned.
func (s *Source) GetNextTask(category string, priority models.Priority) *models.Task {
	return s.dag.GetNextTask(category, priority)
}

// GetReadyTasks returns all unblocked pending tasks in priority order.
func (s *Source) GetReadyTasks() []*models.Task {
	return s.dag.GetReadyTasks()
}

// GetSummary tallies task counts.
func (s *Source) GetSummary() models.Summary {
	return s.dag.GetSummary()
}

// Task returns the task with id, or nil.
func (s *Source) Task(id string) *models.Task {
	return s.dag.Tasks[id]
}

// MarkInProgress transitions id to in_progress and persists the change.
// Per spec.md §8 property 1, callers must only call this once every
// dependency of id is completed; MarkInProgress itself enforces that
// invariant and returns an error if violated.
func (s *Source) MarkInProgress(id string) error {
	t, ok := s.dag.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	completed := s.dag.CompletedSet()
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return fmt.Errorf("task %s: dependency %s not completed", id, dep)
		}
	}
	t.Status = models.StatusInProgress
	return s.persist(id)
}

// CompletionUpdate carries the result slots to attach when a task completes.
type CompletionUpdate struct {
	ValidationResults *models.ValidationResult
	JudgeResults      *models.JudgeAggregate
	EvidencePath      string
}

// MarkComplete transitions id to completed exactly once (spec.md §8
// property 2): calling it on an already-completed task is a no-op that
// returns no newly-propagated ids.
func (s *Source) MarkComplete(id string, update CompletionUpdate) ([]string, error) {
	t, ok := s.dag.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", id)
	}
	if t.Status == models.StatusCompleted {
		return nil, nil
	}
	t.Status = models.StatusCompleted
	t.Passes = true
	now := time.Now()
	t.CompletedAt = &now
	if update.ValidationResults != nil {
		t.ValidationResults = update.ValidationResults
	}
	if update.JudgeResults != nil {
		t.JudgeResults = update.JudgeResults
	}
	if update.EvidencePath != "" {
		t.EvidencePath = update.EvidencePath
	}

	if err := s.persist(id); err != nil {
		return nil, err
	}
	return s.dag.PropagateCompletion(id), nil
}

// MarkFailedAttempt returns a task to pending and increments its
// validation attempt counter, per spec.md §4.2 step 6 / §7.
func (s *Source) MarkFailedAttempt(id string) error {
	t, ok := s.dag.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	t.Status = models.StatusPending
	if t.ValidationResults == nil {
		t.ValidationResults = &models.ValidationResult{}
	}
	t.ValidationResults.Attempts++
	return s.persist(id)
}

// MarkBlocked removes a task from ready/pending consideration permanently,
// used when a task has exhausted its retry/escalation budget (spec.md §9
// Open Question a) so the factory loop stops re-dispatching it.
func (s *Source) MarkBlocked(id string) error {
	t, ok := s.dag.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	t.Status = models.StatusBlocked
	return s.persist(id)
}

// persist writes the full PRD file that owns id back to disk, round-
// tripping every task in that file and bumping metadata.updated_at.
func (s *Source) persist(id string) error {
	origin, ok := s.origins[id]
	if !ok {
		return nil
	}
	prd := s.files[origin.path]
	if prd == nil {
		return nil
	}

	// Rebuild Items from current DAG state, preserving file order.
	items := make([]models.Task, len(prd.Items))
	for i, existing := range prd.Items {
		if t, ok := s.dag.Tasks[existing.ID]; ok {
			items[i] = *t
		} else {
			items[i] = existing
		}
	}
	prd.Items = items
	if prd.Metadata == nil {
		prd.Metadata = &models.PRDMetadata{}
	}
	prd.Metadata.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling PRD %s: %w", origin.path, err)
	}

	if err := filelock.LockAndWrite(origin.path, data, prdLockTimeout); err != nil {
		// Write errors are returned to the caller and the in-memory state
		// stays authoritative for the rest of the run (spec.md §4.1
		// Failure); the next successful write resynchronizes.
		return fmt.Errorf("persisting PRD %s: %w", origin.path, err)
	}
	return nil
}

// DiscoverPRDFiles resolves a PRD file or directory argument into a sorted
// list of absolute PRD file paths. A directory yields every *.json file in
// it, unlike the CLI's --prd-dir handling, which globs plan*.json.
func DiscoverPRDFiles(fileFlag, dirFlag string) ([]string, error) {
	if fileFlag != "" {
		abs, err := filepath.Abs(fileFlag)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}
	if dirFlag == "" {
		return nil, ErrNoPRDFound
	}
	entries, err := os.ReadDir(dirFlag)
	if err != nil {
		return nil, fmt.Errorf("reading PRD directory %s: %w", dirFlag, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dirFlag, e.Name()))
		if err != nil {
			continue
		}
		paths = append(paths, abs)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, ErrNoPRDFound
	}
	return paths, nil
}

// CriticalPath exposes the DAG's longest dependency chain.
func (s *Source) CriticalPath() []string {
	return s.dag.CriticalPath()
}

// AllTasks returns every known task, in no particular order. Used by the
// Planner (spec.md §4.10) to partition completed vs. pending work.
func (s *Source) AllTasks() []models.Task {
	out := make([]models.Task, 0, len(s.dag.Tasks))
	for _, t := range s.dag.Tasks {
		out = append(out, *t)
	}
	return out
}

// AppendTasks adds newly proposed tasks (with ids already verified
// non-colliding by the caller) to the DAG and to whichever PRD file the
// Source was initialized from, rebuilding dependency edges. Per spec.md
// §4.10, new tasks are appended to "the active PRD file": when more than
// one PRD file was loaded, tasks are appended to the one whose path sorts
// first.
func (s *Source) AppendTasks(tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	var targetPath string
	for path := range s.files {
		if targetPath == "" || path < targetPath {
			targetPath = path
		}
	}
	if targetPath == "" {
		return fmt.Errorf("append tasks: no PRD file loaded")
	}

	all := s.AllTasks()
	all = append(all, tasks...)
	dag, _, err := models.BuildDAG(all, s.lenient)
	if err != nil {
		return fmt.Errorf("rebuilding DAG after append: %w", err)
	}
	s.dag = dag

	prd := s.files[targetPath]
	startIndex := len(prd.Items)
	for i, t := range tasks {
		s.origins[t.ID] = taskOrigin{path: targetPath, index: startIndex + i}
		prd.Items = append(prd.Items, t)
	}
	if prd.Metadata == nil {
		prd.Metadata = &models.PRDMetadata{}
	}
	prd.Metadata.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling PRD %s: %w", targetPath, err)
	}
	return filelock.LockAndWrite(targetPath, data, prdLockTimeout)
}

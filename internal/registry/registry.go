package registry

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/filedistribution/internal/fileref"
)

// maxInFlightPercent keeps progress below 100 until the download is completed.
const maxInFlightPercent = 99.9

// Status is the state of a reference's download.
type Status int

const (
	NotStarted Status = iota
	InProgress
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a request cycle.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// OutcomeKind is what a waiter observed.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the result of Await.
type Outcome struct {
	Kind OutcomeKind
	Path string // set for OutcomeCompleted
	Err  error  // failure cause for OutcomeFailed, ctx error when the caller gave up
}

// Transition describes a state change performed by a Mark* call.
type Transition struct {
	From      Status
	To        Status
	Path      string
	StartedAt time.Time // start of the request cycle that ended, zero if none was running
}

// Changed reports whether the call moved the entry to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Info is a snapshot of an entry, for diagnostics.
type Info struct {
	Reference      fileref.Reference
	Status         Status
	Progress       float64
	Path           string
	CreatedAt      time.Time
	CycleStartedAt time.Time
	Cycle          int
	Waiters        int
	LastErr        error
}

// cycle is one request cycle. done is closed exactly once, after outcome is set.
type cycle struct {
	done    chan struct{}
	outcome Outcome
}

func newCycle() *cycle {
	return &cycle{done: make(chan struct{})}
}

// Entry holds the download state of one reference. All fields are guarded by mu.
type Entry struct {
	ref       fileref.Reference
	createdAt time.Time

	// writeMu serializes cache writes for the reference. It is separate from mu
	// so status and progress stay readable while content is being placed.
	writeMu sync.Mutex

	mu        sync.Mutex
	status    Status
	progress  float64
	path      string
	startedAt time.Time
	cycles    int
	waiters   int
	lastErr   error
	current   *cycle
}

func (e *Entry) info() Info {
	return Info{
		Reference:      e.ref,
		Status:         e.status,
		Progress:       e.progress,
		Path:           e.path,
		CreatedAt:      e.createdAt,
		CycleStartedAt: e.startedAt,
		Cycle:          e.cycles,
		Waiters:        e.waiters,
		LastErr:        e.lastErr,
	}
}

// Registry maps every requested reference to exactly one Entry for the
// lifetime of the registry. Entries are locked individually; unrelated
// references never contend.
type Registry struct {
	entries sync.Map // fileref.Reference -> *Entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{now: time.Now}
}

// LookupOrCreate returns the entry for ref, creating it in NotStarted.
// Racing first-time callers all receive the same entry.
func (r *Registry) LookupOrCreate(ref fileref.Reference) *Entry {
	if e, ok := r.entries.Load(ref); ok {
		return e.(*Entry)
	}

	e, _ := r.entries.LoadOrStore(ref, &Entry{
		ref:       ref,
		createdAt: r.now(),
		status:    NotStarted,
		current:   newCycle(),
	})

	return e.(*Entry)
}

func (r *Registry) lookup(ref fileref.Reference) (*Entry, bool) {
	e, ok := r.entries.Load(ref)
	if !ok {
		return nil, false
	}

	return e.(*Entry), true
}

// MarkInProgress starts a request cycle for ref when none is running. It
// returns true when the caller started the cycle and therefore owns the single
// peer request for it. NotStarted and Failed entries start a new cycle;
// InProgress and Completed entries are left alone.
func (r *Registry) MarkInProgress(ref fileref.Reference) bool {
	e := r.LookupOrCreate(ref)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case NotStarted, Failed:
		if e.status == Failed {
			e.current = newCycle()
		}

		e.status = InProgress
		e.progress = 0
		e.lastErr = nil
		e.startedAt = r.now()
		e.cycles++

		return true
	default:
		return false
	}
}

// MarkCompleted records the resolved path and releases every waiter. The path
// is set at most once: later calls on a completed entry return the stored one.
func (r *Registry) MarkCompleted(ref fileref.Reference, path string) Transition {
	e := r.LookupOrCreate(ref)

	e.mu.Lock()
	defer e.mu.Unlock()

	tr := Transition{From: e.status, To: Completed}

	if e.status == Completed {
		tr.Path = e.path

		return tr
	}

	if e.status == InProgress {
		tr.StartedAt = e.startedAt
	}

	if e.status == Failed {
		// The previous cycle already released its waiters.
		e.current = newCycle()
	}

	e.status = Completed
	e.path = path
	e.progress = 100
	e.lastErr = nil
	tr.Path = path

	e.release(Outcome{Kind: OutcomeCompleted, Path: path})

	return tr
}

// MarkFailed ends the running cycle with a failure and releases every waiter.
// A completed entry stays completed.
func (r *Registry) MarkFailed(ref fileref.Reference, cause error) Transition {
	e := r.LookupOrCreate(ref)

	e.mu.Lock()
	defer e.mu.Unlock()

	tr := Transition{From: e.status, To: e.status, Path: e.path}

	if e.status.Terminal() {
		return tr
	}

	if e.status == InProgress {
		tr.StartedAt = e.startedAt
	}

	tr.To = Failed
	e.status = Failed
	e.progress = 0
	e.lastErr = cause

	e.release(Outcome{Kind: OutcomeFailed, Err: cause})

	return tr
}

// UpdateProgress raises the progress of an in-flight download. Values never
// decrease within a cycle and stay below 100 until MarkCompleted.
func (r *Registry) UpdateProgress(ref fileref.Reference, percent float64) {
	e, ok := r.lookup(ref)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != InProgress {
		return
	}

	percent = min(percent, maxInFlightPercent)
	if percent > e.progress {
		e.progress = percent
	}
}

// StatusOf returns the progress of ref in percent, 0 for unknown references.
func (r *Registry) StatusOf(ref fileref.Reference) float64 {
	e, ok := r.lookup(ref)
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.progress
}

// Info returns a snapshot of the entry for ref.
func (r *Registry) Info(ref fileref.Reference) (Info, bool) {
	e, ok := r.lookup(ref)
	if !ok {
		return Info{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.info(), true
}

// Snapshot returns the progress of every known reference.
func (r *Registry) Snapshot() map[fileref.Reference]float64 {
	out := make(map[fileref.Reference]float64)

	r.entries.Range(func(key, value any) bool {
		e := value.(*Entry)

		e.mu.Lock()
		out[key.(fileref.Reference)] = e.progress
		e.mu.Unlock()

		return true
	})

	return out
}

// Await blocks until the running cycle of ref ends, timeout elapses or ctx is
// done. Giving up does not touch the entry: the download keeps going and a
// later call can still observe its completion.
func (r *Registry) Await(ctx context.Context, ref fileref.Reference, timeout time.Duration) Outcome {
	e := r.LookupOrCreate(ref)

	e.mu.Lock()

	switch e.status {
	case Completed:
		path := e.path
		e.mu.Unlock()

		return Outcome{Kind: OutcomeCompleted, Path: path}
	case Failed:
		cause := e.lastErr
		e.mu.Unlock()

		return Outcome{Kind: OutcomeFailed, Err: cause}
	}

	c := e.current
	e.waiters++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.waiters--
		e.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.outcome
	case <-timer.C:
		return Outcome{Kind: OutcomeTimedOut, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return Outcome{Kind: OutcomeTimedOut, Err: ctx.Err()}
	}
}

// Serialize runs fn while holding the write lock of ref, so two pushes for
// the same reference never interleave their cache writes.
func (r *Registry) Serialize(ref fileref.Reference, fn func() error) error {
	e := r.LookupOrCreate(ref)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	return fn()
}

// release must be called with e.mu held.
func (e *Entry) release(o Outcome) {
	e.current.outcome = o
	close(e.current.done)
}

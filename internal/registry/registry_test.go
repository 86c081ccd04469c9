package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/filedistribution/internal/fileref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf_UnknownReference(t *testing.T) {
	r := New()

	assert.InDelta(t, 0.0, r.StatusOf("never-requested"), 0.0001)

	_, ok := r.Info("never-requested")
	assert.False(t, ok, "StatusOf must not create entries")
}

func TestLookupOrCreate_SingleEntryUnderRace(t *testing.T) {
	r := New()

	const n = 64

	entries := make([]*Entry, n)

	var wg sync.WaitGroup

	start := make(chan struct{})

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			entries[i] = r.LookupOrCreate("foo")
		}()
	}

	close(start)
	wg.Wait()

	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
}

func TestMarkInProgress_OnlyOneCallerOwnsTheCycle(t *testing.T) {
	r := New()

	const n = 32

	var owners atomic.Int32

	var wg sync.WaitGroup

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if r.MarkInProgress("foo") {
				owners.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), owners.Load())

	info, ok := r.Info("foo")
	require.True(t, ok)
	assert.Equal(t, InProgress, info.Status)
	assert.Equal(t, 1, info.Cycle)
}

func TestMarkCompleted_ReleasesAllWaitersWithSamePath(t *testing.T) {
	r := New()
	require.True(t, r.MarkInProgress("foo"))

	const n = 10

	outcomes := make(chan Outcome, n)

	for range n {
		go func() {
			outcomes <- r.Await(context.Background(), "foo", 5*time.Second)
		}()
	}

	require.Eventually(t, func() bool {
		info, _ := r.Info("foo")

		return info.Waiters == n
	}, time.Second, 5*time.Millisecond)

	tr := r.MarkCompleted("foo", "/downloads/foo/foo.jar")
	assert.True(t, tr.Changed())
	assert.Equal(t, InProgress, tr.From)
	assert.False(t, tr.StartedAt.IsZero())

	for range n {
		o := <-outcomes
		assert.Equal(t, OutcomeCompleted, o.Kind)
		assert.Equal(t, "/downloads/foo/foo.jar", o.Path)
	}

	assert.InDelta(t, 100.0, r.StatusOf("foo"), 0.0001)

	require.Eventually(t, func() bool {
		info, _ := r.Info("foo")

		return info.Waiters == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMarkCompleted_PathIsSetOnce(t *testing.T) {
	r := New()

	first := r.MarkCompleted("foo", "/a")
	assert.True(t, first.Changed())
	assert.Equal(t, NotStarted, first.From)
	assert.True(t, first.StartedAt.IsZero())

	second := r.MarkCompleted("foo", "/b")
	assert.False(t, second.Changed())
	assert.Equal(t, "/a", second.Path)

	info, _ := r.Info("foo")
	assert.Equal(t, "/a", info.Path)
}

func TestMarkFailed_ReleasesWaitersAndResetsProgress(t *testing.T) {
	r := New()
	require.True(t, r.MarkInProgress("bar"))
	r.UpdateProgress("bar", 40)

	cause := errors.New("Internal error")
	done := make(chan Outcome, 1)

	go func() { done <- r.Await(context.Background(), "bar", 5*time.Second) }()

	require.Eventually(t, func() bool {
		info, _ := r.Info("bar")

		return info.Waiters == 1
	}, time.Second, 5*time.Millisecond)

	tr := r.MarkFailed("bar", cause)
	assert.Equal(t, Failed, tr.To)

	o := <-done
	assert.Equal(t, OutcomeFailed, o.Kind)
	assert.ErrorIs(t, o.Err, cause)
	assert.InDelta(t, 0.0, r.StatusOf("bar"), 0.0001)

	// A second failure in the same cycle is a no-op, not a double release.
	assert.False(t, r.MarkFailed("bar", cause).Changed())
}

func TestMarkFailed_DoesNotUndoCompletion(t *testing.T) {
	r := New()
	r.MarkCompleted("foo", "/a")

	tr := r.MarkFailed("foo", errors.New("late corrupt push"))
	assert.False(t, tr.Changed())
	assert.InDelta(t, 100.0, r.StatusOf("foo"), 0.0001)
}

func TestFailedEntry_StartsFreshCycle(t *testing.T) {
	r := New()
	require.True(t, r.MarkInProgress("foo"))
	r.MarkFailed("foo", errors.New("rejected"))

	// Immediate await on a failed entry reports the failure.
	o := r.Await(context.Background(), "foo", time.Second)
	assert.Equal(t, OutcomeFailed, o.Kind)

	require.True(t, r.MarkInProgress("foo"), "a failed entry must accept a retrigger")
	assert.False(t, r.MarkInProgress("foo"))

	info, _ := r.Info("foo")
	assert.Equal(t, InProgress, info.Status)
	assert.Equal(t, 2, info.Cycle)
	assert.NoError(t, info.LastErr)

	done := make(chan Outcome, 1)

	go func() { done <- r.Await(context.Background(), "foo", 5*time.Second) }()

	require.Eventually(t, func() bool {
		info, _ := r.Info("foo")

		return info.Waiters == 1
	}, time.Second, 5*time.Millisecond)

	r.MarkCompleted("foo", "/a")

	o = <-done
	assert.Equal(t, OutcomeCompleted, o.Kind)
	assert.Equal(t, "/a", o.Path)
}

func TestAwait_TimeoutDoesNotMutateEntry(t *testing.T) {
	r := New()
	require.True(t, r.MarkInProgress("foo"))
	r.UpdateProgress("foo", 12.5)

	o := r.Await(context.Background(), "foo", 20*time.Millisecond)
	assert.Equal(t, OutcomeTimedOut, o.Kind)

	info, _ := r.Info("foo")
	assert.Equal(t, InProgress, info.Status)
	assert.InDelta(t, 12.5, info.Progress, 0.0001)
	assert.Zero(t, info.Waiters)

	// Completion after the caller gave up is still observable.
	r.MarkCompleted("foo", "/a")

	o = r.Await(context.Background(), "foo", 20*time.Millisecond)
	assert.Equal(t, OutcomeCompleted, o.Kind)
	assert.Equal(t, "/a", o.Path)
}

func TestAwait_ContextCancelled(t *testing.T) {
	r := New()
	require.True(t, r.MarkInProgress("foo"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := r.Await(ctx, "foo", time.Minute)
	assert.Equal(t, OutcomeTimedOut, o.Kind)
	assert.ErrorIs(t, o.Err, context.Canceled)

	info, _ := r.Info("foo")
	assert.Equal(t, InProgress, info.Status)
}

func TestUpdateProgress(t *testing.T) {
	r := New()

	r.UpdateProgress("unknown", 50)
	_, ok := r.Info("unknown")
	assert.False(t, ok)

	r.LookupOrCreate("foo")
	r.UpdateProgress("foo", 50)
	assert.InDelta(t, 0.0, r.StatusOf("foo"), 0.0001, "not started entries have no progress")

	require.True(t, r.MarkInProgress("foo"))

	r.UpdateProgress("foo", 30)
	r.UpdateProgress("foo", 20)
	assert.InDelta(t, 30.0, r.StatusOf("foo"), 0.0001, "progress never decreases")

	r.UpdateProgress("foo", 100)
	assert.Less(t, r.StatusOf("foo"), 100.0, "100 is reserved for completed entries")
}

func TestSnapshot(t *testing.T) {
	r := New()
	r.MarkCompleted("foo", "/a")
	r.MarkInProgress("bar")

	snap := r.Snapshot()
	assert.Equal(t, map[fileref.Reference]float64{"foo": 100, "bar": 0}, snap)
}

func TestSerialize_OrdersWritersPerReference(t *testing.T) {
	r := New()

	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = r.Serialize("foo", func() error {
				if active.Add(1) > 1 {
					overlap.Store(true)
				}

				time.Sleep(time.Millisecond)
				active.Add(-1)

				return nil
			})
		}()
	}

	wg.Wait()
	assert.False(t, overlap.Load())

	wantErr := errors.New("boom")
	assert.ErrorIs(t, r.Serialize("foo", func() error { return wantErr }), wantErr)
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[Status]string{
		NotStarted: "not_started",
		InProgress: "in_progress",
		Completed:  "completed",
		Failed:     "failed",
		Status(42): "unknown",
	} {
		assert.Equal(t, want, s.String(), fmt.Sprint(int(s)))
	}
}

package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

func TestSubmitNotRunning(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.radio.Submit(context.Background(), file(t, "x", "a.mp3", "/up/a"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, h.radio.Enqueue(file(t, "x", "a.mp3", "/up/a")), ErrNotRunning)
	assert.Empty(t, h.removedPaths(), "caller keeps the file when the radio is not running")
}

func TestSubmitToEmptyRadioPlaysIt(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, link(t, "x", "http://a"))
	assert.Equal(t, 0, a.Priority)

	require.Eventually(t, func() bool { return h.engine.playCount() == 1 }, waitFor, 5*time.Millisecond)
	// give a stray second play a chance to show up
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"http://a"}, h.engine.played())

	snap := h.radio.List()
	assert.Equal(t, SnapshotList, snap.Type)
	require.Len(t, snap.List, 1)
	assert.Equal(t, a.ID, snap.List[0].ID)
	assert.Equal(t, "x", snap.List[0].Address)
	assert.Equal(t, "nick-x", snap.List[0].Nick)
}

func TestTiedBandKeepsArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, link(t, "x", "http://a"))
	b := mustAdmit(t, h.radio, link(t, "x", "http://b"))
	c := mustAdmit(t, h.radio, link(t, "y", "http://c"))

	assert.Equal(t, 2, h.fairnessCount("x"))
	assert.Equal(t, 1, h.fairnessCount("y"))
	assert.Equal(t, 0, b.Priority)
	assert.Equal(t, 0, c.Priority)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, h.queueIDs())
}

func TestFloodingSubmitterSinks(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	var prios []int
	for i := 0; i < 6; i++ {
		e := mustAdmit(t, h.radio, link(t, "x", "http://x"))
		prios = append(prios, e.Priority)
	}
	for i := 1; i < len(prios); i++ {
		assert.GreaterOrEqual(t, prios[i], prios[i-1])
	}

	y := mustAdmit(t, h.radio, link(t, "y", "http://y"))
	ids := h.queueIDs()
	// y lands after x's three free slots, ahead of x's penalised ones
	assert.Equal(t, y.ID, ids[3])

	snap := h.radio.List()
	for i := 2; i < len(snap.List); i++ {
		assert.LessOrEqual(t, snap.List[i-1].Prio, snap.List[i].Prio)
	}
}

func TestParentWaitAdmitted(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, link(t, "x", "http://a"))
	b := mustAdmit(t, h.radio, link(t, "x", "http://b"))

	type outcome struct {
		res Result
		err error
	}
	got := make(chan outcome, 1)
	dependent := link(t, "x", "http://d").WithUpload("d-up", "c-up")
	go func() {
		res, err := h.radio.Submit(context.Background(), dependent)
		got <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return h.sleepers() == 1 }, waitFor, 5*time.Millisecond)

	c := mustAdmit(t, h.radio, link(t, "y", "http://c").WithUpload("c-up", ""))

	var d outcome
	select {
	case d = <-got:
	case <-time.After(waitFor):
		t.Fatal("dependent submission never woke up")
	}
	require.NoError(t, d.err)
	require.Equal(t, Admitted, d.res.Outcome)
	assert.Equal(t, []string{a.ID, b.ID, c.ID, d.res.Entry.ID}, h.queueIDs())
	assert.Equal(t, 0, h.sleepers())
}

func TestParentAlreadyQueued(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	p := mustAdmit(t, h.radio, link(t, "x", "http://p").WithUpload("p-up", ""))
	d := mustAdmit(t, h.radio, link(t, "x", "http://d").WithUpload("", "p-up"))
	assert.Equal(t, []string{p.ID, d.ID}, h.queueIDs())
}

func TestParentWaitTimesOut(t *testing.T) {
	h := newHarness(t, Options{ParentWait: 30 * time.Millisecond})
	h.start(t)

	res, err := h.radio.Submit(context.Background(), file(t, "x", "d.mp3", "/up/d").WithUpload("", "ghost"))
	require.NoError(t, err)
	assert.Equal(t, Deferred, res.Outcome)
	assert.Equal(t, []string{"/up/d"}, h.removedPaths())
	assert.Empty(t, h.queueIDs())
	assert.Equal(t, 0, h.sleepers())
	assert.Equal(t, 0, h.fairnessCount("x"))
}

func TestParentWaitContextCancelled(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := h.radio.Submit(ctx, link(t, "x", "http://d").WithUpload("", "ghost"))
	require.NoError(t, err)
	assert.Equal(t, Deferred, res.Outcome)
}

func TestClearAbortsWaitersAndEmptiesQueue(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, file(t, "x", "a.mp3", "/up/a"))
	mustAdmit(t, h.radio, file(t, "y", "b.mp3", "/up/b"))
	mustAdmit(t, h.radio, file(t, "z", "c.mp3", "/up/c"))
	require.Eventually(t, func() bool { return h.engine.playCount() == 1 }, waitFor, 5*time.Millisecond)

	deferred := make(chan Result, 2)
	for _, up := range []string{"d", "e"} {
		c := file(t, "w", up+".mp3", "/up/"+up).WithUpload("", "ghost-"+up)
		go func() {
			res, _ := h.radio.Submit(context.Background(), c)
			deferred <- res
		}()
	}
	require.Eventually(t, func() bool { return h.sleepers() == 2 }, waitFor, 5*time.Millisecond)

	h.radio.Clear()

	for i := 0; i < 2; i++ {
		select {
		case res := <-deferred:
			assert.Equal(t, Deferred, res.Outcome)
		case <-time.After(waitFor):
			t.Fatal("waiter left blocked by clear")
		}
	}

	require.Eventually(t, func() bool { return len(h.queueIDs()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, SnapshotFallback, h.radio.List().Type)
	assert.GreaterOrEqual(t, h.engine.fallbackCount(), 2)
	assert.ElementsMatch(t, []string{"/up/a", "/up/b", "/up/c", "/up/d", "/up/e"}, h.removedPaths())

	for _, r := range h.retirements() {
		if r.entry.ID == a.ID {
			assert.Equal(t, ReasonCleared, r.reason)
		}
	}
}

func TestClearEmptyQueueStillBroadcasts(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	before := h.bcast.count()
	h.radio.Clear()
	assert.Greater(t, h.bcast.count(), before)
	assert.Equal(t, SnapshotFallback, h.bcast.last().Type)
	assert.Equal(t, "Now playing Slay Radio...", h.bcast.last().Filename)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, file(t, "x", "a.mp3", "/up/a"))
	b := mustAdmit(t, h.radio, file(t, "y", "b.mp3", "/up/b"))
	require.Eventually(t, func() bool { return h.engine.playCount() == 1 }, waitFor, 5*time.Millisecond)

	t.Run("someone else's entry is left alone", func(t *testing.T) {
		assert.False(t, h.radio.Cancel(b.ID, "x"))
		assert.False(t, h.radio.Cancel("missing", "y"))
		assert.Equal(t, []string{a.ID, b.ID}, h.queueIDs())
	})

	t.Run("queued entry is retired directly", func(t *testing.T) {
		assert.True(t, h.radio.Cancel(b.ID, "y"))
		assert.Equal(t, []string{a.ID}, h.queueIDs())
		assert.Equal(t, 0, h.fairnessCount("y"))
		assert.Contains(t, h.removedPaths(), "/up/b")
		assert.Equal(t, 0, h.engine.scratchCount())
	})

	t.Run("playing entry goes through skip", func(t *testing.T) {
		assert.True(t, h.radio.Cancel(a.ID, "x"))
		require.Eventually(t, func() bool { return len(h.queueIDs()) == 0 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, 1, h.engine.scratchCount())

		var reason RetireReason
		for _, r := range h.retirements() {
			if r.entry.ID == a.ID {
				reason = r.reason
			}
		}
		assert.Equal(t, ReasonCancelled, reason)
	})
}

func TestFinishedAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, file(t, "x", "a.mp3", "/up/a"))
	b := mustAdmit(t, h.radio, file(t, "y", "b.mp3", "/up/b"))
	require.Eventually(t, func() bool { return h.engine.playCount() == 1 }, waitFor, 5*time.Millisecond)

	h.engine.finish()
	require.Eventually(t, func() bool { return h.engine.playCount() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"/up/a", "/up/b"}, h.engine.played())
	assert.Equal(t, []string{b.ID}, h.queueIDs())
	assert.Equal(t, []string{"/up/a"}, h.removedPaths())
	assert.Equal(t, 0, h.fairnessCount("x"))

	h.engine.finish()
	require.Eventually(t, func() bool { return h.engine.fallbackCount() == 2 }, waitFor, 5*time.Millisecond)
	snap := h.radio.List()
	assert.Equal(t, SnapshotFallback, snap.Type)
	assert.Equal(t, "Now playing Slay Radio...", snap.Filename)

	rs := h.retirements()
	require.Len(t, rs, 2)
	assert.Equal(t, a.ID, rs[0].entry.ID)
	assert.Equal(t, ReasonPlayed, rs[0].reason)
}

func TestPlaybackFaultAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.playErr = errors.New("cannot decode")
	h.start(t)

	mustAdmit(t, h.radio, file(t, "x", "a.mp3", "/up/a"))
	require.Eventually(t, func() bool { return len(h.queueIDs()) == 0 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.engine.fallbackCount() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"/up/a"}, h.removedPaths())
}

func TestCoalescedSignalsAdvanceOnce(t *testing.T) {
	h := newHarness(t, Options{})

	h.radio.TrackFinished()
	h.radio.TrackFinished()
	h.radio.TrackFinished()
	assert.Len(t, h.radio.finished, 1)

	// Start adds its own signal on top of the pending one
	h.start(t)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.engine.fallbackCount())
}

func TestExactlyOnceRetirement(t *testing.T) {
	h := newHarness(t, Options{Workers: 3})
	h.start(t)

	var admitted []Entry
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub := []string{"x", "y", "z"}[i%3]
		c := file(t, sub, "t.mp3", "/up/"+sub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.radio.Submit(context.Background(), c)
			if err == nil && res.Outcome == Admitted {
				mu.Lock()
				admitted = append(admitted, res.Entry)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, admitted, 20)

	h.engine.finish()
	h.radio.Cancel(admitted[5].ID, admitted[5].SubmitterID)
	h.radio.Clear()
	mustAdmit(t, h.radio, link(t, "x", "http://late"))
	h.radio.Stop()

	counts := map[string]int{}
	for _, r := range h.retirements() {
		if r.reason != ReasonDropped {
			counts[r.entry.ID]++
		}
	}
	for _, e := range admitted {
		assert.Equal(t, 1, counts[e.ID], "entry %s", e.ID)
	}
	for id, n := range counts {
		assert.Equal(t, 1, n, "entry %s", id)
	}
	assert.Empty(t, h.queueIDs())
	for _, sub := range []string{"x", "y", "z"} {
		assert.Equal(t, 0, h.fairnessCount(sub))
	}
}

func TestStopAbortsWaitersAndReleasesEngine(t *testing.T) {
	h := newHarness(t, Options{})
	h.radio.Start()

	got := make(chan Result, 1)
	orphan := file(t, "x", "d.mp3", "/up/d").WithUpload("", "ghost")
	go func() {
		res, _ := h.radio.Submit(context.Background(), orphan)
		got <- res
	}()
	require.Eventually(t, func() bool { return h.sleepers() == 1 }, waitFor, 5*time.Millisecond)
	mustAdmit(t, h.radio, file(t, "y", "a.mp3", "/up/a"))

	h.radio.Stop()
	select {
	case res := <-got:
		assert.Equal(t, Deferred, res.Outcome)
	case <-time.After(waitFor):
		t.Fatal("stop left a waiter blocked")
	}
	assert.True(t, h.engine.released)
	assert.ElementsMatch(t, []string{"/up/d", "/up/a"}, h.removedPaths())

	_, err := h.radio.Submit(context.Background(), link(t, "x", "http://late"))
	assert.ErrorIs(t, err, ErrNotRunning)
	h.radio.Stop()
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})
	h.start(t)

	// the dependent is queued first and must not starve its parent of the
	// single worker while it waits
	require.NoError(t, h.radio.Enqueue(link(t, "x", "http://child").WithUpload("child", "parent")))
	require.Eventually(t, func() bool { return h.sleepers() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, h.radio.Enqueue(link(t, "x", "http://parent").WithUpload("parent", "")))

	require.Eventually(t, func() bool { return len(h.queueIDs()) == 2 }, waitFor, 5*time.Millisecond)
	snap := h.radio.List()
	require.Len(t, snap.List, 2)
	assert.Equal(t, "http://parent", snap.List[0].Filename)
	assert.Equal(t, "http://child", snap.List[1].Filename)

	assert.ErrorIs(t, h.radio.Enqueue(Candidate{Kind: KindLink}), ErrInvalidCandidate)
}

func TestSendProgress(t *testing.T) {
	h := newHarness(t, Options{})

	h.radio.sendProgress()
	assert.Equal(t, 0, h.bcast.count(), "silence is not broadcast")

	h.engine.position = 0.25
	h.radio.sendProgress()
	require.Equal(t, 1, h.bcast.count())
	assert.Equal(t, Snapshot{Type: SnapshotProgress, Position: 0.25}, h.bcast.last())
}

func TestListFallbackLabel(t *testing.T) {
	h := newHarness(t, Options{AmbientLabels: map[AmbientMode]string{AmbientLocal: "Local loop"}})

	h.engine.ambient = AmbientLocal
	assert.Equal(t, Snapshot{Type: SnapshotFallback, Filename: "Local loop"}, h.radio.List())

	h.engine.ambient = AmbientStream
	assert.Equal(t, "Now playing Slay Radio...", h.radio.List().Filename)
}

func TestDownload(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	a := mustAdmit(t, h.radio, file(t, "x", "Song.mp3", "/up/a"))
	assert.True(t, strings.HasSuffix(a.ID, ".mp3"))

	d, ok := h.radio.Download(a.ID)
	require.True(t, ok)
	assert.Equal(t, Descriptor{Type: KindFile, Filename: "Song.mp3", MRL: "/up/a"}, d)

	_, ok = h.radio.Download("nope")
	assert.False(t, ok)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, Options{Metrics: NewMetrics(reg), ParentWait: 10 * time.Millisecond})
	h.start(t)

	mustAdmit(t, h.radio, link(t, "x", "http://a"))
	mustAdmit(t, h.radio, link(t, "x", "http://b"))
	res, err := h.radio.Submit(context.Background(), link(t, "x", "http://c").WithUpload("", "ghost"))
	require.NoError(t, err)
	require.Equal(t, Deferred, res.Outcome)

	m := h.radio.opts.Metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueLength))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("deferred")))

	h.radio.Clear()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.retirements.WithLabelValues("cleared")) == 2
	}, waitFor, 5*time.Millisecond)
}

func TestEnqueueKeepsSubmissionOrder(t *testing.T) {
	h := newHarness(t, Options{Workers: 4})
	h.start(t)

	var want []string
	for i := 0; i < 30; i++ {
		u := fmt.Sprintf("http://%02d", i)
		want = append(want, u)
		require.NoError(t, h.radio.Enqueue(link(t, "x", u)))
	}
	require.Eventually(t, func() bool { return len(h.queueIDs()) == 30 }, waitFor, 5*time.Millisecond)

	var got []string
	for _, item := range h.radio.List().List {
		got = append(got, item.Filename)
	}
	assert.Equal(t, want, got)
}

func TestEnqueueDropsWhenStopping(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, Options{Workers: 1, Metrics: NewMetrics(reg)})
	h.radio.Start()

	// hold the only pool slot so the lane cannot start before Stop
	h.radio.slots <- struct{}{}
	require.NoError(t, h.radio.Enqueue(file(t, "x", "a.mp3", "/up/a")))

	stopped := make(chan struct{})
	go func() {
		h.radio.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		h.radio.mu.Lock()
		defer h.radio.mu.Unlock()
		return h.radio.state == stateStopping
	}, waitFor, 5*time.Millisecond)
	<-h.radio.slots

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("stop did not return")
	}
	m := h.radio.opts.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues(outcomeNotRunning)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.submissions.WithLabelValues("deferred")))
	assert.Equal(t, []string{"/up/a"}, h.removedPaths())
}

func TestRepeatedCancelScratchesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.holdScratch = true
	h.start(t)

	a := mustAdmit(t, h.radio, link(t, "x", "http://a"))
	b := mustAdmit(t, h.radio, link(t, "y", "http://b"))
	require.Eventually(t, func() bool { return h.engine.playCount() == 1 }, waitFor, 5*time.Millisecond)

	assert.True(t, h.radio.Cancel(a.ID, "x"))
	assert.True(t, h.radio.Cancel(a.ID, "x"))
	h.radio.Skip()
	assert.Equal(t, 1, h.engine.scratchCount())

	h.engine.deliverScratches()
	require.Eventually(t, func() bool { return h.engine.playCount() == 2 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{b.ID}, h.queueIDs())
	rs := h.retirements()
	require.Len(t, rs, 1)
	assert.Equal(t, a.ID, rs[0].entry.ID)
	assert.Equal(t, ReasonCancelled, rs[0].reason)
}

func TestSkipThenClearScratchesOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.holdScratch = true
	h.start(t)

	a := mustAdmit(t, h.radio, link(t, "x", "http://a"))
	b := mustAdmit(t, h.radio, link(t, "y", "http://b"))
	require.Eventually(t, func() bool { return h.engine.playCount() == 1 }, waitFor, 5*time.Millisecond)

	h.radio.Skip()
	h.radio.Skip()
	h.radio.Clear()
	assert.Equal(t, 1, h.engine.scratchCount())

	h.engine.deliverScratches()
	require.Eventually(t, func() bool { return h.engine.fallbackCount() == 2 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.queueIDs())

	reasons := map[string]RetireReason{}
	for _, r := range h.retirements() {
		reasons[r.entry.ID] = r.reason
	}
	assert.Equal(t, map[string]RetireReason{a.ID: ReasonPlayed, b.ID: ReasonCleared}, reasons)
}

func TestStopBeforeStartReleasesEngine(t *testing.T) {
	h := newHarness(t, Options{})

	h.radio.Stop()
	assert.True(t, h.engine.isReleased())

	h.radio.Start()
	_, err := h.radio.Submit(context.Background(), link(t, "x", "http://a"))
	assert.ErrorIs(t, err, ErrNotRunning, "a stopped radio stays stopped")
}

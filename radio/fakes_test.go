package radio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu         sync.Mutex
	plays      []string
	fallbacks  int
	scratches  int
	released   bool
	position   float64
	ambient    AmbientMode
	playErr    error
	onFinished func()

	// holdScratch keeps scratch callbacks back until deliverScratches,
	// like an engine whose stop event arrives later.
	holdScratch bool
	held        int
}

func (f *fakeEngine) Play(_ context.Context, locator, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, locator)
	return f.playErr
}

func (f *fakeEngine) PlayFallback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks++
	return nil
}

// Scratch reports the track as finished right away, like an engine whose
// stop event arrives immediately, unless holdScratch is set.
func (f *fakeEngine) Scratch() error {
	f.mu.Lock()
	f.scratches++
	if f.holdScratch {
		f.held++
		f.mu.Unlock()
		return nil
	}
	cb := f.onFinished
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// deliverScratches fires one callback per held scratch.
func (f *fakeEngine) deliverScratches() {
	f.mu.Lock()
	n := f.held
	f.held = 0
	cb := f.onFinished
	f.mu.Unlock()
	for i := 0; i < n; i++ {
		cb()
	}
}

func (f *fakeEngine) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeEngine) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeEngine) Ambient() AmbientMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ambient
}

func (f *fakeEngine) OnFinished(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFinished = cb
}

func (f *fakeEngine) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

// finish simulates the end of the current track.
func (f *fakeEngine) finish() {
	f.mu.Lock()
	cb := f.onFinished
	f.mu.Unlock()
	cb()
}

func (f *fakeEngine) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakeEngine) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plays...)
}

func (f *fakeEngine) scratchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scratches
}

func (f *fakeEngine) fallbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fallbacks
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []any
}

func (b *fakeBroadcaster) MessageClients(msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *fakeBroadcaster) last() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return Snapshot{}
	}
	s, _ := b.msgs[len(b.msgs)-1].(Snapshot)
	return s
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

type retirement struct {
	entry  Entry
	reason RetireReason
}

// harness wires a radio to fakes and records retirements and removed files.
type harness struct {
	radio   *Radio
	engine  *fakeEngine
	bcast   *fakeBroadcaster
	mu      sync.Mutex
	retired []retirement
	removed []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{engine: &fakeEngine{}, bcast: &fakeBroadcaster{}}
	opts.Logger = zerolog.Nop()
	opts.OnRetire = func(e Entry, reason RetireReason) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.retired = append(h.retired, retirement{e, reason})
	}
	opts.Remove = func(path string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removed = append(h.removed, path)
		if path == "" {
			return errors.New("empty path")
		}
		return nil
	}
	h.radio = NewRadio(h.engine, h.bcast, opts)
	return h
}

// start runs the radio and waits for the initial ambient playback.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.radio.Start()
	t.Cleanup(h.radio.Stop)
	require.Eventually(t, func() bool { return h.engine.fallbackCount() == 1 }, time.Second, 5*time.Millisecond)
}

func (h *harness) retirements() []retirement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]retirement(nil), h.retired...)
}

func (h *harness) removedPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.removed...)
}

func (h *harness) queueIDs() []string {
	h.radio.mu.Lock()
	defer h.radio.mu.Unlock()
	ids := make([]string, 0, h.radio.queue.len())
	for _, e := range h.radio.queue.entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func (h *harness) sleepers() int {
	h.radio.mu.Lock()
	defer h.radio.mu.Unlock()
	return h.radio.waits.sleepers()
}

func (h *harness) fairnessCount(submitterID string) int {
	h.radio.mu.Lock()
	defer h.radio.mu.Unlock()
	return h.radio.fairness.count(submitterID)
}

func link(t *testing.T, submitter, url string) Candidate {
	t.Helper()
	c, err := NewLinkCandidate(submitter, "nick-"+submitter, "", url)
	require.NoError(t, err)
	return c
}

func file(t *testing.T, submitter, label, path string) Candidate {
	t.Helper()
	c, err := NewFileCandidate(submitter, "nick-"+submitter, label, path)
	require.NoError(t, err)
	return c
}

func mustAdmit(t *testing.T, r *Radio, c Candidate) Entry {
	t.Helper()
	res, err := r.Submit(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, Admitted, res.Outcome)
	return res.Entry
}

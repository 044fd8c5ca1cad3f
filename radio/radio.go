// Package radio decides what the station plays next. Submissions from many
// listeners are admitted into one queue ordered by a per-submitter fairness
// score, while a single engine plays the head of that queue.
package radio

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultParentWait       = 30 * time.Second
	DefaultProgressInterval = time.Second
	DefaultFallbackRetry    = 5 * time.Second
	DefaultWorkers          = 8
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
	stateStopped
)

type Options struct {
	Logger           zerolog.Logger
	ParentWait       time.Duration
	ProgressInterval time.Duration
	// FallbackRetry is how long to wait before retrying ambient playback
	// after the engine failed to start it.
	FallbackRetry time.Duration
	// Workers bounds how many queued submissions run at once.
	Workers       int
	AmbientLabels map[AmbientMode]string
	Metrics       *Metrics
	// OnRetire sees every entry leaving the queue and every dropped
	// candidate. It may run with the radio locked and must not block.
	OnRetire func(Entry, RetireReason)
	Remove   func(path string) error
}

type Radio struct {
	engine Engine
	bcast  Broadcaster
	log    zerolog.Logger
	opts   Options

	// mu guards everything below it.
	mu       sync.Mutex
	state    state
	queue    queue
	fairness fairness
	waits    waitRegistry
	// lanes holds enqueued candidates per submitter, in arrival order.
	lanes map[string][]Candidate
	// current is the id of the entry last handed to the engine, empty
	// while ambient audio plays.
	current string

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
	kicked   chan struct{}
	done     chan struct{}
	slots    chan struct{}
	loops    sync.WaitGroup
	pending  sync.WaitGroup
}

func NewRadio(engine Engine, bcast Broadcaster, opts Options) *Radio {
	if opts.ParentWait <= 0 {
		opts.ParentWait = DefaultParentWait
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.FallbackRetry <= 0 {
		opts.FallbackRetry = DefaultFallbackRetry
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Remove == nil {
		opts.Remove = os.Remove
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Radio{
		engine:   engine,
		bcast:    bcast,
		log:      opts.Logger.With().Str("component", "radio").Logger(),
		opts:     opts,
		fairness: make(fairness),
		waits:    make(waitRegistry),
		lanes:    make(map[string][]Candidate),
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}, 1),
		kicked:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		slots:    make(chan struct{}, opts.Workers),
	}
	engine.OnFinished(r.TrackFinished)
	return r
}

// Start launches the advance and progress loops and begins ambient
// playback. It does nothing unless the radio is idle.
func (r *Radio) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateIdle {
		return
	}
	r.state = stateRunning
	r.loops.Add(2)
	go r.advance()
	go r.progress()
	r.TrackFinished()
	r.log.Info().Msg("radio started")
}

// Stop aborts every parked submission, retires whatever is queued and
// releases the engine. It blocks until both loops have exited. A radio
// that was never started just releases the engine.
func (r *Radio) Stop() {
	r.mu.Lock()
	if r.state == stateIdle {
		r.state = stateStopped
		r.mu.Unlock()
		r.cancel()
		if err := r.engine.Release(); err != nil {
			r.log.Warn().Err(err).Msg("engine release failed")
		}
		return
	}
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	r.state = stateStopping
	aborted := r.waits.abortAll()
	r.mu.Unlock()

	r.cancel()
	close(r.done)
	r.loops.Wait()
	r.pending.Wait()

	r.mu.Lock()
	for i := r.queue.len() - 1; i >= 0; i-- {
		r.retireLocked(i, ReasonStopped)
	}
	r.current = ""
	r.state = stateStopped
	r.observeLocked()
	r.mu.Unlock()

	if err := r.engine.Release(); err != nil {
		r.log.Warn().Err(err).Msg("engine release failed")
	}
	r.publish()
	r.log.Info().Int("aborted_waiters", aborted).Msg("radio stopped")
}

// Submit admits c, waiting for its parent first if it names one that is
// not queued yet. When the radio is not running the caller keeps ownership
// of c's resource and ErrNotRunning is returned; in every other case the
// radio owns it.
func (r *Radio) Submit(ctx context.Context, c Candidate) (Result, error) {
	return r.submit(ctx, c, nil)
}

// Enqueue hands c to the submission pool and returns at once. Ownership
// of c's resource passes to the radio unless an error is returned.
// Candidates of one submitter are admitted in the order they were
// enqueued, except that one parked on a missing parent lets later ones
// pass.
func (r *Radio) Enqueue(c Candidate) error {
	if err := c.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		return ErrNotRunning
	}
	_, busy := r.lanes[c.SubmitterID]
	r.lanes[c.SubmitterID] = append(r.lanes[c.SubmitterID], c)
	if !busy {
		r.pending.Add(1)
		go r.drain(c.SubmitterID)
	}
	return nil
}

// drain admits the lane of one submitter in order while holding a pool
// slot. The lane stays registered until drain finds it empty.
func (r *Radio) drain(submitterID string) {
	defer r.pending.Done()
	r.slots <- struct{}{}
	defer func() { <-r.slots }()

	for {
		r.mu.Lock()
		lane := r.lanes[submitterID]
		if len(lane) == 0 {
			delete(r.lanes, submitterID)
			r.mu.Unlock()
			return
		}
		c := lane[0]
		r.lanes[submitterID] = lane[1:]

		switch {
		case r.state != stateRunning:
			r.mu.Unlock()
			r.log.Warn().Str("submitter", c.SubmitterID).Msg("queued submission dropped, radio not running")
			r.drop(c, outcomeNotRunning)
		case c.ParentID != "" && r.queue.findUpload(c.ParentID) < 0:
			r.pending.Add(1)
			r.mu.Unlock()
			go r.park(c)
		default:
			r.commitLocked(c)
		}
	}
}

// park runs a queued candidate that has to wait for its parent on a slot
// of its own, giving the slot up while it sleeps.
func (r *Radio) park(c Candidate) {
	defer r.pending.Done()
	r.slots <- struct{}{}
	defer func() { <-r.slots }()

	if _, err := r.submit(r.ctx, c, &slot{ch: r.slots}); err != nil {
		r.log.Warn().Err(err).Str("submitter", c.SubmitterID).Msg("queued submission dropped")
		r.drop(c, outcomeNotRunning)
	}
}

func (r *Radio) submit(ctx context.Context, c Candidate, s *slot) (Result, error) {
	if err := c.validate(); err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	if c.ParentID != "" && r.queue.findUpload(c.ParentID) < 0 {
		if !r.awaitParent(ctx, c.ParentID, s) || r.state != stateRunning {
			r.observeLocked()
			r.mu.Unlock()
			r.log.Info().Str("parent", c.ParentID).Str("submitter", c.SubmitterID).Msg("parent never arrived, submission deferred")
			r.drop(c, Deferred.String())
			return Result{Outcome: Deferred}, nil
		}
	}
	return r.commitLocked(c), nil
}

// commitLocked admits c and announces it. Called with r.mu held, returns
// with it released.
func (r *Radio) commitLocked(c Candidate) Result {
	e, idx := r.admitLocked(c)
	admitted := *e
	r.observeLocked()
	r.mu.Unlock()

	r.opts.Metrics.submitted(Admitted.String())
	r.log.Info().
		Str("id", admitted.ID).
		Str("submitter", admitted.SubmitterID).
		Int("priority", admitted.Priority).
		Int("position", idx).
		Msg("track admitted")
	if idx == 0 {
		r.kick()
	}
	r.publish()
	return Result{Outcome: Admitted, Entry: admitted}
}

// awaitParent parks the caller until parentID is admitted, aborted or the
// wait times out. Called and returns with r.mu held.
func (r *Radio) awaitParent(ctx context.Context, parentID string, s *slot) bool {
	wt := r.waits.join(parentID)
	r.observeLocked()
	r.mu.Unlock()

	s.yield()
	timer := time.NewTimer(r.opts.ParentWait)
	select {
	case <-wt.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()
	s.reclaim()

	r.mu.Lock()
	if wt.state == waitAdmitted {
		return true
	}
	r.waits.leave(parentID, wt)
	return false
}

func (r *Radio) admitLocked(c Candidate) (*Entry, int) {
	e := &Entry{
		Candidate:  c,
		ID:         uuid.NewString() + c.Ext,
		Priority:   r.fairness.admit(c.SubmitterID),
		AdmittedAt: time.Now(),
	}
	idx := r.queue.insert(e)
	if c.UploadID != "" {
		r.waits.resolve(c.UploadID)
	}
	return e, idx
}

// Cancel removes the entry id if it was submitted by submitterID. The
// playing entry is skipped instead so the engine lets go of it first.
func (r *Radio) Cancel(id, submitterID string) bool {
	r.mu.Lock()
	i := r.queue.indexOf(id)
	if i < 0 || r.queue.at(i).SubmitterID != submitterID {
		r.mu.Unlock()
		return false
	}
	// a head that is already on its way out has its scratch pending
	skip := false
	if i == 0 {
		skip = r.doomHeadLocked(ReasonCancelled)
	} else {
		r.retireLocked(i, ReasonCancelled)
	}
	r.observeLocked()
	r.mu.Unlock()

	if skip {
		r.scratch()
	}
	r.publish()
	return true
}

// Clear aborts every parked submission and empties the queue.
func (r *Radio) Clear() {
	r.mu.Lock()
	aborted := r.waits.abortAll()
	for i := r.queue.len() - 1; i >= 1; i-- {
		r.retireLocked(i, ReasonCleared)
	}
	skip := r.doomHeadLocked(ReasonCleared)
	r.observeLocked()
	r.mu.Unlock()

	if skip {
		r.scratch()
	}
	r.log.Info().Int("aborted_waiters", aborted).Msg("queue cleared")
	r.publish()
}

// Skip makes the engine drop the current track; the advance loop takes it
// from there. Skipping a track that is already being skipped does nothing.
func (r *Radio) Skip() {
	r.mu.Lock()
	running := r.state == stateRunning
	skip := running
	if running && r.queue.head() != nil {
		skip = r.doomHeadLocked(ReasonPlayed)
	}
	r.mu.Unlock()
	if skip {
		r.scratch()
	}
}

// doomHeadLocked marks the head for retirement with reason. It reports
// false when the head was already doomed, since its scratch is under way
// and another one would end the next track too.
func (r *Radio) doomHeadLocked(reason RetireReason) bool {
	h := r.queue.head()
	if h == nil || h.doomed != "" {
		return false
	}
	h.doomed = reason
	return true
}

func (r *Radio) scratch() {
	if err := r.engine.Scratch(); err != nil {
		r.log.Warn().Err(err).Msg("scratch failed, advancing anyway")
		r.TrackFinished()
	}
}

// TrackFinished is the engine callback. Signals coalesce: several calls
// before the advance loop wakes up produce a single step.
func (r *Radio) TrackFinished() {
	select {
	case r.finished <- struct{}{}:
	default:
	}
}

func (r *Radio) kick() {
	select {
	case r.kicked <- struct{}{}:
	default:
	}
}

func (r *Radio) List() Snapshot {
	r.mu.Lock()
	items := make([]Item, 0, r.queue.len())
	for _, e := range r.queue.entries {
		items = append(items, sanitize(e))
	}
	r.mu.Unlock()

	if len(items) == 0 {
		return Snapshot{Type: SnapshotFallback, Filename: r.ambientLabel(r.engine.Ambient())}
	}
	return Snapshot{Type: SnapshotList, Position: r.engine.Position(), List: items}
}

func (r *Radio) Download(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.queue.indexOf(id)
	if i < 0 {
		return Descriptor{}, false
	}
	e := r.queue.at(i)
	return Descriptor{Type: e.Kind, Filename: e.Label, MRL: e.Locator}, true
}

func (r *Radio) ambientLabel(mode AmbientMode) string {
	if label, ok := r.opts.AmbientLabels[mode]; ok {
		return label
	}
	return defaultAmbientLabels[mode]
}

func (r *Radio) advance() {
	defer r.loops.Done()
	for {
		select {
		case <-r.done:
			return
		case <-r.finished:
			r.step(true)
		case <-r.kicked:
			r.step(false)
		}
	}
}

// step runs one advance: retire what the engine just finished, then hand
// it the new head or ambient audio. Engine calls happen without r.mu.
func (r *Radio) step(finished bool) {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	if finished {
		if h := r.queue.head(); h != nil && h.ID == r.current {
			reason := ReasonPlayed
			if h.doomed != "" {
				reason = h.doomed
			}
			r.retireLocked(0, reason)
		}
		r.current = ""
	}
	for h := r.queue.head(); h != nil && h.doomed != "" && h.ID != r.current; h = r.queue.head() {
		r.retireLocked(0, h.doomed)
	}

	var next Entry
	play, fallback := false, false
	if h := r.queue.head(); h != nil && h.ID != r.current {
		next, play = *h, true
		r.current = h.ID
	} else if h == nil && finished {
		fallback = true
	}
	r.observeLocked()
	r.mu.Unlock()

	switch {
	case play:
		r.log.Info().Str("id", next.ID).Str("label", next.Label).Msg("now playing")
		if err := r.engine.Play(r.ctx, next.Locator, next.Label); err != nil {
			r.log.Warn().Err(err).Str("id", next.ID).Msg("playback fault, advancing")
			r.TrackFinished()
		}
	case fallback:
		if err := r.engine.PlayFallback(r.ctx); err != nil {
			r.log.Warn().Err(err).Dur("retry_in", r.opts.FallbackRetry).Msg("fallback playback fault")
			time.AfterFunc(r.opts.FallbackRetry, r.TrackFinished)
		}
	}
	r.publish()
}

func (r *Radio) progress() {
	defer r.loops.Done()
	ticker := time.NewTicker(r.opts.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sendProgress()
		}
	}
}

// sendProgress stays quiet while nothing meaningful is playing.
func (r *Radio) sendProgress() {
	position := r.engine.Position()
	if position > 0 && r.bcast != nil {
		r.bcast.MessageClients(Snapshot{Type: SnapshotProgress, Position: position})
	}
}

func (r *Radio) publish() {
	if r.bcast == nil {
		return
	}
	r.bcast.MessageClients(r.List())
}

// retireLocked is the only way an entry leaves the queue.
func (r *Radio) retireLocked(i int, reason RetireReason) {
	e := r.queue.removeAt(i)
	r.fairness.retire(e.SubmitterID)
	if e.owned() {
		r.release(e.Locator)
	}
	r.opts.Metrics.retired(reason)
	r.log.Debug().Str("id", e.ID).Str("reason", string(reason)).Msg("entry retired")
	if r.opts.OnRetire != nil {
		r.opts.OnRetire(*e, reason)
	}
}

// drop releases the resource of a candidate that was never admitted.
func (r *Radio) drop(c Candidate, outcome string) {
	if c.owned() {
		r.release(c.Locator)
	}
	r.opts.Metrics.submitted(outcome)
	if r.opts.OnRetire != nil {
		r.opts.OnRetire(Entry{Candidate: c}, ReasonDropped)
	}
}

func (r *Radio) release(path string) {
	if err := r.opts.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.log.Debug().Err(err).Str("path", path).Msg("could not remove track file")
	}
}

func (r *Radio) observeLocked() {
	r.opts.Metrics.observeQueue(r.queue.len(), r.waits.sleepers())
}

// slot is a submission pool seat that can be given up while parked.
type slot struct {
	ch chan struct{}
}

func (s *slot) yield() {
	if s != nil {
		<-s.ch
	}
}

func (s *slot) reclaim() {
	if s != nil {
		s.ch <- struct{}{}
	}
}

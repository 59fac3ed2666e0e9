package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ffedit/apperr"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL             = time.Hour
	DefaultCleanupInterval = 30 * time.Minute
)

// Listener receives a snapshot of a job after every change.
type Listener func(Job)

type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          logrus.FieldLogger
	// OnRemove runs after a job is dropped by Cleanup, outside the lock.
	OnRemove func(Job)
	Now      func() time.Time
}

// Store owns every Job. All access goes through its methods; callers only
// ever see copies.
type Store struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	opts  Options
	log   logrus.FieldLogger
	seq     int
	version uint64
	all     map[int]*subscriber
	byJob   map[string]map[int]*subscriber
}

func NewStore(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Store{
		jobs:  make(map[string]*Job),
		opts:  opts,
		log:   opts.Logger.WithField("component", "task_store"),
		all:   make(map[int]*subscriber),
		byJob: make(map[string]map[int]*subscriber),
	}
}

// Start runs the periodic cleanup loop until ctx is done.
func (s *Store) Start(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"ttl":      s.opts.TTL,
		"interval": s.opts.CleanupInterval,
	}).Info("Task store cleanup loop started")
	go s.cleanupLoop(ctx)
}

func (s *Store) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Cleanup loop shutting down")
			return
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				s.log.WithField("removed", n).Info("Removed expired jobs")
			}
		}
	}
}

func (s *Store) Create(typ Type, data interface{}, maxRetries int) Job {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	j := &Job{
		ID:         fmt.Sprintf("%s_%d", shortuuid.New(), s.opts.Now().Unix()),
		Type:       typ,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		Data:       data,
		CreatedAt:  s.opts.Now(),
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.stamp(j)
	snap := *j
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"job_id": j.ID, "type": typ}).Info("Job created")
	s.notify(snap)
	return snap
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Status is a cheap read used by workers polling for cancellation.
func (s *Store) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return j.Status, true
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Update applies u to job id. Terminal and failed jobs reject every update;
// failed ones only move again through Retry.
func (s *Store) Update(id string, u Update) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, apperr.NotFound("job %s", id)
	}
	if j.Status.Finished() {
		st := j.Status
		s.mu.Unlock()
		return Job{}, apperr.InvalidState("job %s is %s", id, st)
	}

	now := s.opts.Now()
	if u.Status != nil && *u.Status != j.Status {
		if !allowed(j.Status, *u.Status) {
			st := j.Status
			s.mu.Unlock()
			return Job{}, apperr.InvalidState("job %s cannot move from %s to %s", id, st, *u.Status)
		}
		j.Status = *u.Status
		switch j.Status {
		case StatusProcessing:
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
		case StatusCompleted, StatusFailed:
			j.CompletedAt = &now
			j.TimeRemaining = nil
		case StatusCancelled:
			j.CancelledAt = &now
			j.TimeRemaining = nil
		}
	}

	if u.Progress != nil {
		p := clamp(*u.Progress)
		if j.Status == StatusProcessing && p < j.Progress {
			p = j.Progress
		}
		j.Progress = p
	}
	if u.Phase != nil {
		j.Phase = *u.Phase
	}
	if u.Operation != nil {
		j.Operation = *u.Operation
	}
	if u.TimeRemaining != nil && !j.Status.Finished() {
		tr := *u.TimeRemaining
		j.TimeRemaining = &tr
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	s.stamp(j)
	snap := *j
	s.mu.Unlock()

	s.notify(snap)
	return snap, nil
}

// Retry moves a failed job back to pending if it has retries left.
func (s *Store) Retry(id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, apperr.NotFound("job %s", id)
	}
	if j.Status != StatusFailed || j.RetryCount >= j.MaxRetries {
		st, n, limit := j.Status, j.RetryCount, j.MaxRetries
		s.mu.Unlock()
		return Job{}, apperr.InvalidState("job %s is not retryable (status %s, retries %d/%d)", id, st, n, limit)
	}
	j.RetryCount++
	j.Status = StatusPending
	j.Progress = 0
	j.Error = ""
	j.Phase = ""
	j.Operation = ""
	j.TimeRemaining = nil
	j.Result = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	s.stamp(j)
	snap := *j
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"job_id": id, "retry": snap.RetryCount}).Info("Job queued for retry")
	s.notify(snap)
	return snap, nil
}

// Cancel stops a pending or processing job. Workers observe it by polling.
func (s *Store) Cancel(id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, apperr.NotFound("job %s", id)
	}
	if j.Status != StatusPending && j.Status != StatusProcessing {
		st := j.Status
		s.mu.Unlock()
		return Job{}, apperr.InvalidState("cannot cancel job in state: %s", st)
	}
	now := s.opts.Now()
	j.Status = StatusCancelled
	j.CancelledAt = &now
	j.TimeRemaining = nil
	s.stamp(j)
	snap := *j
	s.mu.Unlock()

	s.log.WithField("job_id", id).Info("Job cancelled")
	s.notify(snap)
	return snap, nil
}

// List returns matching jobs, newest first.
func (s *Store) List(f Filter) []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Remove drops a job and its listeners. It reports whether the job existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.forgetLocked(id)
	s.mu.Unlock()
	return ok
}

// Cleanup drops completed and cancelled jobs whose finish stamp is older than
// the TTL and returns how many were removed. Failed jobs stay retryable.
func (s *Store) Cleanup() int {
	cutoff := s.opts.Now().Add(-s.opts.TTL)

	s.mu.Lock()
	var removed []Job
	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		at := j.finishedAt()
		if at == nil || at.After(cutoff) {
			continue
		}
		removed = append(removed, *j)
		delete(s.jobs, id)
		s.forgetLocked(id)
	}
	s.mu.Unlock()

	if s.opts.OnRemove != nil {
		for _, j := range removed {
			s.opts.OnRemove(j)
		}
	}
	return len(removed)
}

// OnChange registers a store-wide listener.
func (s *Store) OnChange(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.seq++
	key := s.seq
	s.all[key] = newSubscriber(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.all, key)
		s.mu.Unlock()
	}
}

// OnJobChange registers a listener for a single job.
func (s *Store) OnJobChange(id string, fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.seq++
	key := s.seq
	if s.byJob[id] == nil {
		s.byJob[id] = make(map[int]*subscriber)
	}
	s.byJob[id][key] = newSubscriber(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if m := s.byJob[id]; m != nil {
			delete(m, key)
			if len(m) == 0 {
				delete(s.byJob, id)
			}
		}
		s.mu.Unlock()
	}
}

// stamp orders snapshots of j. Callers hold s.mu.
func (s *Store) stamp(j *Job) {
	s.version++
	j.version = s.version
}

// forgetLocked drops listener state for a removed job. Callers hold s.mu.
func (s *Store) forgetLocked(id string) {
	delete(s.byJob, id)
	for _, sub := range s.all {
		sub.forget(id)
	}
}

func (s *Store) notify(j Job) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.all)+len(s.byJob[j.ID]))
	for _, sub := range s.all {
		subs = append(subs, sub)
	}
	for _, sub := range s.byJob[j.ID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(j)
	}
}

// subscriber delivers snapshots of each job to fn in version order. A
// snapshot older than one already handed over is dropped. Snapshots that
// arrive while fn is running for the same job collapse to the newest and
// are delivered once it returns, so fn may itself mutate the store.
type subscriber struct {
	fn    Listener
	mu    sync.Mutex
	boxes map[string]*mailbox
}

type mailbox struct {
	seen    uint64
	busy    bool
	pending *Job
}

func newSubscriber(fn Listener) *subscriber {
	return &subscriber{fn: fn, boxes: make(map[string]*mailbox)}
}

func (sub *subscriber) deliver(j Job) {
	sub.mu.Lock()
	box := sub.boxes[j.ID]
	if box == nil {
		box = &mailbox{}
		sub.boxes[j.ID] = box
	}
	if j.version <= box.seen {
		sub.mu.Unlock()
		return
	}
	box.seen = j.version
	if box.busy {
		box.pending = &j
		sub.mu.Unlock()
		return
	}
	box.busy = true
	sub.mu.Unlock()

	for {
		sub.fn(j)

		sub.mu.Lock()
		if box.pending == nil {
			box.busy = false
			sub.mu.Unlock()
			return
		}
		j = *box.pending
		box.pending = nil
		sub.mu.Unlock()
	}
}

func (sub *subscriber) forget(id string) {
	sub.mu.Lock()
	delete(sub.boxes, id)
	sub.mu.Unlock()
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

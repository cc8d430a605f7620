// Package scheduler implements the asynchronous task scheduler (C10) used
// by long-running backup/import/export/report jobs so the synchronous tool
// channel stays responsive. The worker-count/queue/context-cancellation/
// panic-recovery shape is carried over from server/worker_pool.go's
// WorkerPool; this package replaces its fixed FIFO channel with a
// container/heap priority queue ordered by (priority desc, submittedAt
// asc), adds the task lifecycle and progress-event stream spec §4.6 and
// §9 ask for, and couples maxConcurrent to the memory-pressure bus (C2).
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/classify"
)

// Status is a task's lifecycle state.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Progress is one progress update emitted by a running task.
type Progress struct {
	TaskID        string
	Stage         string // preparing|dumping|writing|verifying|completed|error
	ProcessedRows int64
	TotalRows     int64
	Speed         float64
	ETAMillis     int64
}

// Emitter lets a running thunk publish progress; implementations must
// never block the task on a slow consumer.
type Emitter func(Progress)

// Thunk is the work a task performs. It must observe ctx for cancellation
// and report progress through emit; emit must be safe to call from a
// concurrently-cancelled task until the thunk returns.
type Thunk func(ctx context.Context, emit Emitter) (any, error)

// Task is one scheduled unit of work.
type Task struct {
	ID          string
	Type        string
	Priority    int
	Status      Status
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	LastProgress Progress
	Result      any
	Err         *classify.Error

	thunk  Thunk
	cancel context.CancelFunc
	seq    int64 // heap tie-break, assigned at submit time
}

// taskHeap is the priority queue of queued tasks.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO within a priority
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config sizes the scheduler.
type Config struct {
	MaxConcurrent        int
	PressureReduceFactor float64 // e.g. 0.5 halves maxConcurrent under pressure
	PressureThreshold    float64
	ProgressBufferDepth  int
}

// DefaultConfig mirrors the teacher's WorkerPool defaults (10 workers).
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        10,
		PressureReduceFactor: 0.5,
		PressureThreshold:    0.80,
		ProgressBufferDepth:  16,
	}
}

// Stats is the §4.6 introspection snapshot.
type Stats struct {
	Total        int
	Queued       int
	Running      int
	Completed    int
	Failed       int
	Cancelled    int
	MaxConcurrent int
	ByType       map[string]int
}

// Scheduler is the C10 component.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	queue    taskHeap
	byID     map[string]*Task
	running  int
	paused   bool
	baseMax  int
	curMax   int
	nextSeq  int64
	typeSeq  map[string]int64

	subMu sync.Mutex
	subs  []chan Progress

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	epoch time.Time
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	s := &Scheduler{
		cfg:     cfg,
		byID:    make(map[string]*Task),
		typeSeq: make(map[string]int64),
		baseMax: cfg.MaxConcurrent,
		curMax:  cfg.MaxConcurrent,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		epoch:   time.Now(),
	}
	heap.Init(&s.queue)
	return s
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop signals shutdown; queued tasks are left as-is (callers typically
// cancel outstanding tasks separately), running tasks are not aborted.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// nextID mints `{type}_{monotonic_seq}_{epoch_ms}` per spec §4.6.
func (s *Scheduler) nextID(taskType string) string {
	s.typeSeq[taskType]++
	return fmt.Sprintf("%s_%d_%d", taskType, s.typeSeq[taskType], time.Now().UnixMilli())
}

// Submit enqueues a new task and returns its id.
func (s *Scheduler) Submit(taskType string, priority int, thunk Thunk) string {
	s.mu.Lock()
	id := s.nextID(taskType)
	s.nextSeq++
	t := &Task{
		ID:          id,
		Type:        taskType,
		Priority:    priority,
		Status:      Queued,
		SubmittedAt: time.Now(),
		thunk:       thunk,
		seq:         s.nextSeq,
	}
	s.byID[id] = t
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.wake()
	return id
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Cancel cancels a task. Queued tasks are removed without running;
// running tasks receive a cancellation signal and transition once their
// thunk observes it. Returns false for an unknown id or an already
// terminal task.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	switch t.Status {
	case Queued:
		s.removeFromHeap(t)
		t.Status = Cancelled
		t.FinishedAt = time.Now()
		s.mu.Unlock()
		return true
	case Running:
		cancel := t.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		s.mu.Unlock()
		return false
	}
}

func (s *Scheduler) removeFromHeap(target *Task) {
	for i, t := range s.queue {
		if t == target {
			heap.Remove(&s.queue, i)
			return
		}
	}
}

// Pause prevents further dispatch; running tasks are unaffected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.wake()
}

// Get returns a copy of a task's current record.
func (s *Scheduler) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Stats returns the §4.6 introspection snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{MaxConcurrent: s.curMax, ByType: make(map[string]int)}
	for _, t := range s.byID {
		st.Total++
		st.ByType[t.Type]++
		switch t.Status {
		case Queued:
			st.Queued++
		case Running:
			st.Running++
		case Completed:
			st.Completed++
		case Failed:
			st.Failed++
		case Cancelled:
			st.Cancelled++
		}
	}
	return st
}

// OnPressureUpdate couples maxConcurrent to the memory-pressure bus (C2):
// above PressureThreshold, maxConcurrent is scaled down by
// PressureReduceFactor; the reduction takes effect on the next dispatch
// and never aborts running tasks.
func (s *Scheduler) OnPressureUpdate(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p >= s.cfg.PressureThreshold {
		reduced := int(float64(s.baseMax) * s.cfg.PressureReduceFactor)
		if reduced < 1 {
			reduced = 1
		}
		s.curMax = reduced
	} else {
		s.curMax = s.baseMax
	}
}

// Subscribe returns a channel of progress events. The scheduler never
// blocks a task on a slow subscriber: a full channel drops the oldest
// buffered event to make room (spec §9: tolerate slow consumers, drop
// oldest, never block the task).
func (s *Scheduler) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, s.cfg.ProgressBufferDepth)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Scheduler) publish(p Progress) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// --- dispatch loop ----------------------------------------------------------

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.dispatchReady()
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		if s.paused || s.running >= s.curMax || s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*Task)
		t.Status = Running
		t.StartedAt = time.Now()
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		s.running++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(ctx, t)
	}
}

func (s *Scheduler) run(ctx context.Context, t *Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		s.wake()
	}()

	emit := func(p Progress) {
		p.TaskID = t.ID
		s.mu.Lock()
		t.LastProgress = p
		s.mu.Unlock()
		s.publish(p)
	}

	result, err := s.runThunkSafely(ctx, t, emit)

	s.mu.Lock()
	t.FinishedAt = time.Now()
	switch {
	case ctx.Err() != nil && err != nil:
		t.Status = Cancelled
	case err != nil:
		t.Status = Failed
		t.Err = classify.As(err)
	default:
		t.Status = Completed
		t.Result = result
	}
	status := t.Status
	s.mu.Unlock()

	stage := "completed"
	if status == Failed {
		stage = "error"
	}
	emit(Progress{Stage: stage})
}

func (s *Scheduler) runThunkSafely(ctx context.Context, t *Task, emit Emitter) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] task %s panic recovered: %v", t.ID, r)
			err = classify.Newf(classify.Unknown, classify.High, "task panic: %v", r)
		}
	}()
	return t.thunk(ctx, emit)
}

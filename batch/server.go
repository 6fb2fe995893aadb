package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/utils"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/logging"
	"go.viam.com/ctrlmgr/manager"
)

// DefaultRetention is how long completed tasks can still be inspected.
const DefaultRetention = 5 * time.Minute

// Manager is the part of *manager.Manager a Server drives.
type Manager interface {
	RequestStart(ctx context.Context, name string) (manager.StartReport, error)
	RequestStop(ctx context.Context, name string) error
	LoadType(ctx context.Context, name, typ string) error
	Find(name string) (controller.Controller, bool)
	State() []controller.Status
}

var _ Manager = (*manager.Manager)(nil)

// Metrics receives the final status of each request.
type Metrics interface {
	ObserveBatch(status string)
}

// TaskInfo is a point-in-time view of a task.
type TaskInfo struct {
	ID          uuid.UUID  `json:"id"`
	State       TaskState  `json:"state"`
	Request     Request    `json:"request"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

type task struct {
	id          uuid.UUID
	req         Request
	submittedAt time.Time
	cancel      atomic.Bool
	done        chan struct{}

	// guarded by Server.mu
	state       TaskState
	completedAt time.Time
	result      *Result
}

// Option configures a Server.
type Option func(*Server)

// WithRetention sets how long completed tasks are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Server) {
		s.retention = d
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clk = clk
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server accepts batch requests and executes each on its own goroutine.
type Server struct {
	logger    logging.Logger
	mgr       Manager
	clk       clock.Clock
	retention time.Duration
	metrics   Metrics

	mu     sync.Mutex
	tasks  map[uuid.UUID]*task
	closed bool

	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewServer returns a Server executing requests against mgr.
func NewServer(mgr Manager, logger logging.Logger, opts ...Option) *Server {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger,
		mgr:        mgr,
		clk:        clock.New(),
		retention:  DefaultRetention,
		tasks:      map[uuid.UUID]*task{},
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and schedules it. A rejected request returns an error wrapping
// ErrInvalidRequest and changes nothing.
func (s *Server) Submit(ctx context.Context, req Request) (uuid.UUID, error) {
	if err := req.Validate(); err != nil {
		s.logger.CWarnw(ctx, "rejected batch request", "error", err)
		s.observe(Rejected.String())
		return uuid.Nil, err
	}

	t := &task{
		id:          uuid.New(),
		req:         req,
		submittedAt: s.clk.Now(),
		done:        make(chan struct{}),
		state:       Submitted,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, errors.New("batch server is closed")
	}
	s.pruneLocked()
	s.tasks[t.id] = t
	s.activeBackgroundWorkers.Add(1)
	s.mu.Unlock()

	execCtx := s.cancelCtx
	if req.Debug {
		execCtx = logging.EnableDebugMode(execCtx)
	}
	utils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		s.execute(execCtx, t)
	})
	s.logger.CDebugw(ctx, "accepted batch request", "id", t.id, "stop", req.Stop, "start", req.Start)
	return t.id, nil
}

// Cancel asks a task to skip the controllers it has not reached yet. Controllers already
// processed are not rolled back. Cancelling a completed task is a no-op.
func (s *Server) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "%s", id)
	}
	if t.state == Completed {
		return nil
	}
	t.cancel.Store(true)
	t.state = Cancelling
	return nil
}

// Result waits for the task to complete and returns its result.
func (s *Server) Result(ctx context.Context, id uuid.UUID) (*Result, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "%s", id)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.result, nil
}

// Get returns the current view of a task.
func (s *Server) Get(id uuid.UUID) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	t, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, errors.Wrapf(ErrUnknownTask, "%s", id)
	}
	return t.infoLocked(), nil
}

// Tasks returns every retained task in submission order.
func (s *Server) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, t.infoLocked())
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].SubmittedAt.Before(infos[j].SubmittedAt)
	})
	return infos
}

// Close cancels every pending task and waits for the running ones to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.tasks {
		if t.state != Completed {
			t.cancel.Store(true)
		}
	}
	s.mu.Unlock()
	s.cancelFunc()
	s.activeBackgroundWorkers.Wait()
}

func (t *task) infoLocked() TaskInfo {
	info := TaskInfo{
		ID:          t.id,
		State:       t.state,
		Request:     t.req,
		SubmittedAt: t.submittedAt,
		Result:      t.result,
	}
	if t.state == Completed {
		completedAt := t.completedAt
		info.CompletedAt = &completedAt
	}
	return info
}

func (s *Server) pruneLocked() {
	now := s.clk.Now()
	for id, t := range s.tasks {
		if t.state == Completed && now.Sub(t.completedAt) > s.retention {
			delete(s.tasks, id)
		}
	}
}

func (s *Server) observe(status string) {
	if s.metrics != nil {
		s.metrics.ObserveBatch(status)
	}
}

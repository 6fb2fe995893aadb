package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/controller/fake"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
	"go.viam.com/ctrlmgr/manager"
)

type testLoader struct {
	ctrls map[string]controller.Controller
	rec   *fake.Recorder
}

func (l *testLoader) Instantiate(ctx context.Context, name string) (controller.Controller, error) {
	c, ok := l.ctrls[name]
	if !ok {
		return nil, errors.Errorf("no controller %q", name)
	}
	return c, nil
}

func (l *testLoader) InstantiateType(ctx context.Context, name, typ string) (controller.Controller, error) {
	if typ != fake.Type {
		return nil, errors.Wrapf(controller.ErrUnknownType, "%q", typ)
	}
	return fake.New(name, "joint5").WithRecorder(l.rec), nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	statuses []string
}

func (m *recordingMetrics) ObserveBatch(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *recordingMetrics) Statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statuses...)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordable interface {
	WithRecorder(r *fake.Recorder) *fake.Controller
}

func setup(t *testing.T, ctrls []controller.Controller, opts ...Option) (*Server, *manager.Manager, *fake.Recorder) {
	t.Helper()
	handles := handle.NewRegistry()
	for _, name := range []string{"joint1", "joint2", "joint3", "joint4", "joint5"} {
		handles.AddJoint(handle.NewJointHandle(name, false, handle.Limits{}))
	}
	rec := &fake.Recorder{}
	loader := &testLoader{ctrls: map[string]controller.Controller{}, rec: rec}
	var names []string
	for _, c := range ctrls {
		if r, ok := c.(recordable); ok {
			r.WithRecorder(rec)
		}
		loader.ctrls[c.Name()] = c
		names = append(names, c.Name())
	}
	logger := logging.NewTestLogger(t)
	mgr := manager.New(handles, loader, logger)
	test.That(t, mgr.Init(context.Background(), names, nil), test.ShouldBeNil)
	rec.Reset()

	s := NewServer(mgr, logger, opts...)
	t.Cleanup(s.Close)
	return s, mgr, rec
}

func submitAndWait(t *testing.T, s *Server, req Request) (uuid.UUID, *Result) {
	t.Helper()
	id, err := s.Submit(context.Background(), req)
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Result(ctx, id)
	test.That(t, err, test.ShouldBeNil)
	return id, res
}

func TestSubmitValidation(t *testing.T) {
	metrics := &recordingMetrics{}
	s, mgr, rec := setup(t, []controller.Controller{fake.New("ctrl_x", "joint1"), fake.New("ctrl_y", "joint2")},
		WithMetrics(metrics))
	before := mgr.State()

	for _, req := range []Request{
		{Start: []string{"ctrl_x"}, Stop: []string{"ctrl_x"}},
		{Start: []string{"ctrl_x", "ctrl_x"}},
		{Stop: []string{""}},
		{Start: []string{"ctrl_z"}, Types: map[string]string{"ctrl_z": ""}},
	} {
		id, err := s.Submit(context.Background(), req)
		test.That(t, errors.Is(err, ErrInvalidRequest), test.ShouldBeTrue)
		test.That(t, id, test.ShouldEqual, uuid.Nil)
	}
	test.That(t, rec.Events(), test.ShouldBeEmpty)
	test.That(t, s.Tasks(), test.ShouldBeEmpty)
	test.That(t, cmp.Diff(before, mgr.State()), test.ShouldBeEmpty)
	test.That(t, metrics.Statuses(), test.ShouldResemble, []string{"rejected", "rejected", "rejected", "rejected"})
}

func TestStopListBeforeStartList(t *testing.T) {
	s, mgr, rec := setup(t, []controller.Controller{
		fake.New("head_controller", "joint1"),
		fake.New("base_controller", "joint2"),
	})
	_, err := mgr.RequestStart(context.Background(), "base_controller")
	test.That(t, err, test.ShouldBeNil)
	rec.Reset()

	_, res := submitAndWait(t, s, Request{Start: []string{"head_controller"}, Stop: []string{"base_controller"}})
	test.That(t, res.Succeeded(), test.ShouldBeTrue)
	test.That(t, res.Outcomes, test.ShouldResemble, []Outcome{
		{Name: "base_controller", Action: ActionStop, Status: Succeeded},
		{Name: "head_controller", Action: ActionStart, Status: Succeeded},
	})
	test.That(t, rec.Events(), test.ShouldResemble, []fake.Event{
		{Controller: "base_controller", Call: "stop", Force: true},
		{Controller: "head_controller", Call: "start"},
	})
	test.That(t, mgr.Active(), test.ShouldResemble, []string{"head_controller"})
}

func TestPureQuery(t *testing.T) {
	s, mgr, _ := setup(t, []controller.Controller{
		fake.New("armA", "joint1"),
		fake.New("armB", "joint1"),
		fake.New("head", "joint2"),
	})
	_, err := mgr.RequestStart(context.Background(), "armB")
	test.That(t, err, test.ShouldBeNil)

	_, res := submitAndWait(t, s, Request{})
	test.That(t, res.Outcomes, test.ShouldBeEmpty)
	test.That(t, cmp.Diff(mgr.State(), res.Controllers), test.ShouldBeEmpty)
	states := lo.SliceToMap(res.Controllers, func(st controller.Status) (string, controller.State) { return st.Name, st.State })
	test.That(t, states, test.ShouldResemble, map[string]controller.State{
		"armA": controller.Initialized,
		"armB": controller.Active,
		"head": controller.Initialized,
	})
}

func TestConflictingStartsInOneRequest(t *testing.T) {
	s, mgr, _ := setup(t, []controller.Controller{
		fake.New("armA", "joint1"),
		fake.New("armB", "joint1", "joint2"),
	})
	_, res := submitAndWait(t, s, Request{Start: []string{"armA", "armB"}})
	test.That(t, res.Succeeded(), test.ShouldBeTrue)
	test.That(t, res.Outcomes[0].Preempted, test.ShouldBeEmpty)
	test.That(t, res.Outcomes[1].Preempted, test.ShouldResemble, []manager.Preemption{{Name: "armA", Handles: []string{"joint1"}}})
	test.That(t, mgr.Active(), test.ShouldResemble, []string{"armB"})
}

func TestFailedSteps(t *testing.T) {
	broken := fake.New("broken", "joint1")
	broken.SetStartError(errors.New("not homed"))
	s, _, _ := setup(t, []controller.Controller{broken, fake.New("head", "joint2")})

	_, res := submitAndWait(t, s, Request{Stop: []string{"ghost"}, Start: []string{"broken", "head"}})
	test.That(t, res.Succeeded(), test.ShouldBeFalse)
	test.That(t, lo.Map(res.Outcomes, func(o Outcome, _ int) OutcomeStatus { return o.Status }),
		test.ShouldResemble, []OutcomeStatus{Failed, Failed, Succeeded})
	test.That(t, res.Outcomes[0].Error, test.ShouldContainSubstring, "not found")
	test.That(t, res.Outcomes[1].Error, test.ShouldContainSubstring, "not homed")
}

func TestLoadOnDemand(t *testing.T) {
	s, mgr, _ := setup(t, []controller.Controller{fake.New("head", "joint2")})

	_, res := submitAndWait(t, s, Request{
		Start: []string{"extra", "unknown"},
		Types: map[string]string{"extra": fake.Type},
	})
	test.That(t, res.Outcomes[0].Status, test.ShouldEqual, Succeeded)
	test.That(t, res.Outcomes[1].Status, test.ShouldEqual, Failed)
	test.That(t, mgr.Names(), test.ShouldResemble, []string{"head", "extra"})
	test.That(t, mgr.Active(), test.ShouldResemble, []string{"extra"})
	test.That(t, res.Controllers, test.ShouldHaveLength, 2)
}

// blockingStart blocks in Start until released.
type blockingStart struct {
	*fake.Controller
	reached chan struct{}
	release chan struct{}
}

func newBlockingStart(name string, claims ...string) *blockingStart {
	return &blockingStart{
		Controller: fake.New(name, claims...),
		reached:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (b *blockingStart) Start(ctx context.Context) error {
	close(b.reached)
	<-b.release
	return b.Controller.Start(ctx)
}

func TestCancelMidRequest(t *testing.T) {
	metrics := &recordingMetrics{}
	second := newBlockingStart("c2", "joint2")
	s, mgr, rec := setup(t, []controller.Controller{
		fake.New("c1", "joint1"),
		second,
		fake.New("c3", "joint3"),
		fake.New("c4", "joint4"),
		fake.New("c5", "joint5"),
	}, WithMetrics(metrics))

	id, err := s.Submit(context.Background(), Request{Start: []string{"c1", "c2", "c3", "c4", "c5"}})
	test.That(t, err, test.ShouldBeNil)
	<-second.reached

	test.That(t, s.Cancel(id), test.ShouldBeNil)
	info, err := s.Get(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.State, test.ShouldEqual, Cancelling)
	test.That(t, info.Result, test.ShouldBeNil)
	close(second.release)

	res, err := s.Result(context.Background(), id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Cancelled, test.ShouldBeTrue)
	test.That(t, lo.Map(res.Outcomes, func(o Outcome, _ int) OutcomeStatus { return o.Status }),
		test.ShouldResemble, []OutcomeStatus{Succeeded, Succeeded, Cancelled, Cancelled, Cancelled})
	test.That(t, res.Outcomes[4].Error, test.ShouldEqual, controller.ErrCancelled.Error())
	test.That(t, rec.Calls("start"), test.ShouldResemble, []string{"c1", "c2"})
	test.That(t, mgr.Active(), test.ShouldResemble, []string{"c1", "c2"})

	info, err = s.Get(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.State, test.ShouldEqual, Completed)
	test.That(t, info.CompletedAt, test.ShouldNotBeNil)
	test.That(t, metrics.Statuses(), test.ShouldResemble, []string{"cancelled"})

	// Cancelling a completed task changes nothing.
	test.That(t, s.Cancel(id), test.ShouldBeNil)
	info, err = s.Get(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.State, test.ShouldEqual, Completed)
}

func TestResultWaits(t *testing.T) {
	blocked := newBlockingStart("slow", "joint1")
	s, _, _ := setup(t, []controller.Controller{blocked})

	id, err := s.Submit(context.Background(), Request{Start: []string{"slow"}})
	test.That(t, err, test.ShouldBeNil)
	<-blocked.reached

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Result(ctx, id)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)

	info, err := s.Get(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.State, test.ShouldEqual, Executing)

	close(blocked.release)
	res, err := s.Result(context.Background(), id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Succeeded(), test.ShouldBeTrue)
}

func TestUnknownTask(t *testing.T) {
	s, _, _ := setup(t, nil)
	id := uuid.New()
	test.That(t, errors.Is(s.Cancel(id), ErrUnknownTask), test.ShouldBeTrue)
	_, err := s.Get(id)
	test.That(t, errors.Is(err, ErrUnknownTask), test.ShouldBeTrue)
	_, err = s.Result(context.Background(), id)
	test.That(t, errors.Is(err, ErrUnknownTask), test.ShouldBeTrue)
}

func TestRetention(t *testing.T) {
	mock := clock.NewMock()
	s, _, _ := setup(t, []controller.Controller{fake.New("head", "joint1")},
		WithClock(mock), WithRetention(time.Minute))

	id, _ := submitAndWait(t, s, Request{Start: []string{"head"}})
	mock.Add(30 * time.Second)
	_, err := s.Get(id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Tasks(), test.ShouldHaveLength, 1)

	mock.Add(time.Minute)
	_, err = s.Get(id)
	test.That(t, errors.Is(err, ErrUnknownTask), test.ShouldBeTrue)
	test.That(t, s.Tasks(), test.ShouldBeEmpty)
}

func TestCloseCancelsPending(t *testing.T) {
	blocked := newBlockingStart("slow", "joint1")
	s, _, _ := setup(t, []controller.Controller{blocked, fake.New("head", "joint2")})

	id, err := s.Submit(context.Background(), Request{Start: []string{"slow", "head"}})
	test.That(t, err, test.ShouldBeNil)
	<-blocked.reached

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	for !s.isClosed() {
		time.Sleep(time.Millisecond)
	}
	close(blocked.release)
	<-closed

	res, err := s.Result(context.Background(), id)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Outcomes[1].Status, test.ShouldEqual, Cancelled)

	_, err = s.Submit(context.Background(), Request{})
	test.That(t, err, test.ShouldNotBeNil)
}

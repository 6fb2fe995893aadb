package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/controller/fake"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
)

type mapLoader map[string]controller.Controller

func (l mapLoader) Instantiate(ctx context.Context, name string) (controller.Controller, error) {
	c, ok := l[name]
	if !ok {
		return nil, errors.Errorf("no controller %q", name)
	}
	return c, nil
}

var jointNames = []string{"joint1", "joint2", "joint3", "joint4"}

type recordable interface {
	WithRecorder(r *fake.Recorder) *fake.Controller
}

func newTestManager(t *testing.T, ctrls ...controller.Controller) (*Manager, *fake.Recorder) {
	t.Helper()
	handles := handle.NewRegistry()
	for _, name := range jointNames {
		test.That(t, handles.AddJoint(handle.NewJointHandle(name, false, handle.Limits{})), test.ShouldBeTrue)
	}
	handles.AddGyro(handle.NewGyroHandle("base_gyro"))

	rec := &fake.Recorder{}
	loader := mapLoader{}
	names := make([]string, 0, len(ctrls))
	for _, c := range ctrls {
		if r, ok := c.(recordable); ok {
			r.WithRecorder(rec)
		}
		loader[c.Name()] = c
		names = append(names, c.Name())
	}
	m := New(handles, loader, logging.NewTestLogger(t))
	test.That(t, m.Init(context.Background(), names, nil), test.ShouldBeNil)
	rec.Reset()
	return m, rec
}

func mustState(t *testing.T, m *Manager, name string) controller.State {
	t.Helper()
	state, err := m.StateOf(name)
	test.That(t, err, test.ShouldBeNil)
	return state
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, fake.New("armA", "joint1"), fake.New("armB", "joint1"))

	test.That(t, m.Names(), test.ShouldResemble, []string{"armA", "armB"})
	test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Initialized)
	c, ok := m.Find("armB")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c.Name(), test.ShouldEqual, "armB")
	_, ok = m.Find("armC")
	test.That(t, ok, test.ShouldBeFalse)

	t.Run("loading twice fails", func(t *testing.T) {
		err := m.Load(ctx, "armA")
		test.That(t, errors.Is(err, controller.ErrAlreadyLoaded), test.ShouldBeTrue)
		test.That(t, m.Names(), test.ShouldHaveLength, 2)
	})

	t.Run("unknown name fails", func(t *testing.T) {
		err := m.Load(ctx, "armC")
		test.That(t, errors.Is(err, controller.ErrInitialization), test.ShouldBeTrue)
		_, ok := m.Find("armC")
		test.That(t, ok, test.ShouldBeFalse)
	})
}

func TestInitSkipsBrokenControllers(t *testing.T) {
	ctx := context.Background()
	broken := fake.New("broken", "joint1")
	broken.SetInitError(errors.New("bad gains"))
	missingHandle := fake.New("missing_handle", "joint9")
	good := fake.New("good", "joint2")
	failsToStart := fake.New("fails_to_start", "joint3")
	failsToStart.SetStartError(errors.New("not homed"))

	handles := handle.NewRegistry()
	for _, name := range jointNames {
		handles.AddJoint(handle.NewJointHandle(name, false, handle.Limits{}))
	}
	loader := mapLoader{"broken": broken, "missing_handle": missingHandle, "good": good, "fails_to_start": failsToStart}
	m := New(handles, loader, logging.NewTestLogger(t))

	err := m.Init(ctx,
		[]string{"broken", "missing_handle", "good", "fails_to_start", "unknown"},
		[]string{"good", "fails_to_start"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, controller.ErrInitialization), test.ShouldBeTrue)
	test.That(t, errors.Is(err, controller.ErrStartFailed), test.ShouldBeTrue)

	test.That(t, m.Names(), test.ShouldResemble, []string{"good", "fails_to_start"})
	test.That(t, m.Active(), test.ShouldResemble, []string{"good"})
	test.That(t, mustState(t, m, "fails_to_start"), test.ShouldEqual, controller.Stopped)
}

func TestRequestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown controller", func(t *testing.T) {
		m, _ := newTestManager(t, fake.New("armA", "joint1"))
		_, err := m.RequestStart(ctx, "armZ")
		test.That(t, errors.Is(err, controller.ErrNotFound), test.ShouldBeTrue)
	})

	t.Run("start is idempotent", func(t *testing.T) {
		m, rec := newTestManager(t, fake.New("armA", "joint1"), fake.New("head", "joint2"))
		_, err := m.RequestStart(ctx, "armA")
		test.That(t, err, test.ShouldBeNil)
		rec.Reset()

		report, err := m.RequestStart(ctx, "armA")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.AlreadyActive, test.ShouldBeTrue)
		test.That(t, report.Preempted, test.ShouldBeEmpty)
		test.That(t, rec.Events(), test.ShouldBeEmpty)
		test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Active)
	})

	t.Run("conflicting controller is preempted", func(t *testing.T) {
		m, rec := newTestManager(t, fake.New("armA", "joint1"), fake.New("armB", "joint1", "joint2"))
		_, err := m.RequestStart(ctx, "armB")
		test.That(t, err, test.ShouldBeNil)
		rec.Reset()

		report, err := m.RequestStart(ctx, "armA")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Preempted, test.ShouldResemble, []Preemption{{Name: "armB", Handles: []string{"joint1"}}})
		test.That(t, rec.Events(), test.ShouldResemble, []fake.Event{
			{Controller: "armB", Call: "stop"},
			{Controller: "armA", Call: "start"},
		})
		test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Active)
		test.That(t, mustState(t, m, "armB"), test.ShouldEqual, controller.Stopped)
	})

	t.Run("disjoint controllers run together", func(t *testing.T) {
		m, _ := newTestManager(t, fake.New("head", "joint1"), fake.New("base", "joint2", "joint3"))
		_, err := m.RequestStart(ctx, "head")
		test.That(t, err, test.ShouldBeNil)
		report, err := m.RequestStart(ctx, "base")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Preempted, test.ShouldBeEmpty)
		test.That(t, m.Active(), test.ShouldResemble, []string{"head", "base"})
	})

	t.Run("several conflicts are stopped in load order", func(t *testing.T) {
		m, rec := newTestManager(t,
			fake.New("c", "joint3"),
			fake.New("a", "joint1"),
			fake.New("b", "joint2"),
			fake.New("all", "joint1", "joint2", "joint3"),
		)
		for _, name := range []string{"b", "a", "c"} {
			_, err := m.RequestStart(ctx, name)
			test.That(t, err, test.ShouldBeNil)
		}
		rec.Reset()
		report, err := m.RequestStart(ctx, "all")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lo.Map(report.Preempted, func(p Preemption, _ int) string { return p.Name }),
			test.ShouldResemble, []string{"c", "a", "b"})
		test.That(t, rec.Calls("stop"), test.ShouldResemble, []string{"c", "a", "b"})
		test.That(t, m.Active(), test.ShouldResemble, []string{"all"})
	})

	t.Run("preempted controller that refuses is stopped anyway", func(t *testing.T) {
		busy := fake.New("trajectory", "joint1")
		busy.SetRefuseUnforcedStop(true)
		m, _ := newTestManager(t, busy, fake.New("gravity", "joint1"))
		_, err := m.RequestStart(ctx, "trajectory")
		test.That(t, err, test.ShouldBeNil)

		report, err := m.RequestStart(ctx, "gravity")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Preempted, test.ShouldHaveLength, 1)
		test.That(t, report.Preempted[0].StopError, test.ShouldContainSubstring, "busy")
		test.That(t, m.Active(), test.ShouldResemble, []string{"gravity"})
	})

	t.Run("failed start leaves preempted controllers stopped", func(t *testing.T) {
		failing := fake.New("armA", "joint1")
		failing.SetStartError(errors.New("encoder fault"))
		m, _ := newTestManager(t, failing, fake.New("armB", "joint1"))
		_, err := m.RequestStart(ctx, "armB")
		test.That(t, err, test.ShouldBeNil)

		report, err := m.RequestStart(ctx, "armA")
		test.That(t, errors.Is(err, controller.ErrStartFailed), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "encoder fault")
		test.That(t, report.Preempted, test.ShouldHaveLength, 1)
		test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Stopped)
		test.That(t, mustState(t, m, "armB"), test.ShouldEqual, controller.Stopped)
		test.That(t, m.Active(), test.ShouldBeEmpty)
	})

	t.Run("panicking start is contained", func(t *testing.T) {
		m, _ := newTestManager(t, &panickingStart{fake.New("armA", "joint1")})
		_, err := m.RequestStart(ctx, "armA")
		test.That(t, errors.Is(err, controller.ErrStartFailed), test.ShouldBeTrue)
		test.That(t, m.Active(), test.ShouldBeEmpty)
	})
}

type panickingStart struct {
	*fake.Controller
}

func (p *panickingStart) Start(ctx context.Context) error {
	panic("start exploded")
}

func TestRequestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stop active controller", func(t *testing.T) {
		m, rec := newTestManager(t, fake.New("armA", "joint1"))
		_, err := m.RequestStart(ctx, "armA")
		test.That(t, err, test.ShouldBeNil)
		rec.Reset()
		test.That(t, m.RequestStop(ctx, "armA"), test.ShouldBeNil)
		test.That(t, rec.Events(), test.ShouldResemble, []fake.Event{{Controller: "armA", Call: "stop", Force: true}})
		test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Stopped)
	})

	t.Run("stopping a stopped controller is a no-op", func(t *testing.T) {
		m, rec := newTestManager(t, fake.New("armA", "joint1"))
		test.That(t, m.RequestStop(ctx, "armA"), test.ShouldBeNil)
		test.That(t, rec.Events(), test.ShouldBeEmpty)
		test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Initialized)
	})

	t.Run("failing stop still stops", func(t *testing.T) {
		stubborn := fake.New("armA", "joint1")
		stubborn.SetStopError(errors.New("brake stuck"))
		m, _ := newTestManager(t, stubborn, fake.New("armB", "joint1"))
		_, err := m.RequestStart(ctx, "armA")
		test.That(t, err, test.ShouldBeNil)

		err = m.RequestStop(ctx, "armA")
		test.That(t, errors.Is(err, controller.ErrStopFailed), test.ShouldBeTrue)
		test.That(t, mustState(t, m, "armA"), test.ShouldEqual, controller.Stopped)

		// The claim is released.
		report, err := m.RequestStart(ctx, "armB")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Preempted, test.ShouldBeEmpty)
	})

	t.Run("unknown controller", func(t *testing.T) {
		m, _ := newTestManager(t)
		test.That(t, errors.Is(m.RequestStop(ctx, "armA"), controller.ErrNotFound), test.ShouldBeTrue)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("only active controllers run, in load order", func(t *testing.T) {
		m, rec := newTestManager(t,
			fake.New("gravity", "joint1"),
			fake.New("head", "joint2"),
			fake.New("idle", "joint3"),
			fake.New("base", "joint4"),
		)
		for _, name := range []string{"base", "head", "gravity"} {
			_, err := m.RequestStart(ctx, name)
			test.That(t, err, test.ShouldBeNil)
		}
		rec.Reset()
		for i := 0; i < 3; i++ {
			m.Update(time.Now(), 10*time.Millisecond)
		}
		test.That(t, rec.Calls("update"), test.ShouldResemble, []string{
			"gravity", "head", "base",
			"gravity", "head", "base",
			"gravity", "head", "base",
		})
	})

	t.Run("time and dt are passed through", func(t *testing.T) {
		c := fake.New("head", "joint2")
		m, _ := newTestManager(t, c)
		_, err := m.RequestStart(ctx, "head")
		test.That(t, err, test.ShouldBeNil)
		now := time.Unix(100, 0)
		m.Update(now, 20*time.Millisecond)
		gotNow, gotDt := c.LastUpdate()
		test.That(t, gotNow, test.ShouldEqual, now)
		test.That(t, gotDt, test.ShouldEqual, 20*time.Millisecond)
	})

	t.Run("joint commands are cleared every tick", func(t *testing.T) {
		c := fake.New("head", "joint2")
		m, _ := newTestManager(t, c)
		j, err := m.GetJointHandle("joint2")
		test.That(t, err, test.ShouldBeNil)
		j.SetPosition(1, 0, 0)
		m.Update(time.Now(), time.Millisecond)
		test.That(t, j.Command().Mode, test.ShouldEqual, handle.CommandNone)
	})
}

func TestUpdateFaultIsolation(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name   string
		inject func(c *fake.Controller)
	}{
		{"error", func(c *fake.Controller) { c.SetUpdateError(errors.New("tracking error too large")) }},
		{"panic", func(c *fake.Controller) { c.SetPanicOnUpdate(true) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			faulty := fake.New("faulty", "joint1")
			before := fake.New("before", "joint2")
			after := fake.New("after", "joint3")
			m, rec := newTestManager(t, before, faulty, after)
			for _, name := range []string{"before", "faulty", "after"} {
				_, err := m.RequestStart(ctx, name)
				test.That(t, err, test.ShouldBeNil)
			}
			j, err := m.GetJointHandle("joint1")
			test.That(t, err, test.ShouldBeNil)
			faulty.OnUpdate(func(time.Time, time.Duration) { j.SetEffort(5) })
			tc.inject(faulty)
			rec.Reset()

			m.Update(time.Now(), time.Millisecond)
			test.That(t, rec.Calls("update"), test.ShouldResemble, []string{"before", "faulty", "after"})
			test.That(t, rec.Calls("stop"), test.ShouldResemble, []string{"faulty"})
			test.That(t, mustState(t, m, "faulty"), test.ShouldEqual, controller.Stopped)
			test.That(t, m.Active(), test.ShouldResemble, []string{"before", "after"})
			test.That(t, m.State()[1].Faults, test.ShouldEqual, 1)

			rec.Reset()
			m.Update(time.Now(), time.Millisecond)
			test.That(t, rec.Calls("update"), test.ShouldResemble, []string{"before", "after"})
			test.That(t, j.Command().Mode, test.ShouldEqual, handle.CommandNone)
		})
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	stubborn := fake.New("stubborn", "joint1")
	stubborn.SetStopError(errors.New("brake stuck"))
	forgetful := fake.New("forgetful", "joint2")
	forgetful.SetResetError(errors.New("cannot rezero"))
	m, rec := newTestManager(t, stubborn, forgetful, fake.New("fine", "joint3"), fake.New("idle", "joint4"))
	for _, name := range []string{"stubborn", "forgetful", "fine"} {
		_, err := m.RequestStart(ctx, name)
		test.That(t, err, test.ShouldBeNil)
	}
	rec.Reset()

	err := m.Reset(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "brake stuck")
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot rezero")
	test.That(t, m.Active(), test.ShouldBeEmpty)
	test.That(t, rec.Calls("stop"), test.ShouldResemble, []string{"stubborn", "forgetful", "fine"})
	test.That(t, rec.Calls("reset"), test.ShouldResemble, []string{"stubborn", "forgetful", "fine"})
	test.That(t, mustState(t, m, "idle"), test.ShouldEqual, controller.Initialized)

	rec.Reset()
	test.That(t, m.Reset(ctx), test.ShouldBeNil)
	test.That(t, rec.Events(), test.ShouldBeEmpty)
	test.That(t, m.Active(), test.ShouldBeEmpty)
}

func TestSelfStop(t *testing.T) {
	ctx := context.Background()
	c := fake.New("trajectory", "joint1")
	m, _ := newTestManager(t, c, fake.New("head", "joint2"))
	_, err := m.RequestStart(ctx, "trajectory")
	test.That(t, err, test.ShouldBeNil)

	t.Run("from outside a callback", func(t *testing.T) {
		test.That(t, c.RequestOwnStop(ctx), test.ShouldBeNil)
		test.That(t, mustState(t, m, "trajectory"), test.ShouldEqual, controller.Stopped)
	})

	t.Run("from inside update", func(t *testing.T) {
		_, err := m.RequestStart(ctx, "trajectory")
		test.That(t, err, test.ShouldBeNil)
		c.OnUpdate(func(time.Time, time.Duration) {
			test.That(t, c.RequestOwnStop(ctx), test.ShouldBeNil)
		})
		m.Update(time.Now(), time.Millisecond)
		test.That(t, mustState(t, m, "trajectory"), test.ShouldEqual, controller.Stopped)
	})
}

func TestSelfStopRacingUpdate(t *testing.T) {
	ctx := context.Background()
	c := fake.New("trajectory", "joint1")
	m, _ := newTestManager(t, c)

	for i := 0; i < 200; i++ {
		_, err := m.RequestStart(ctx, "trajectory")
		test.That(t, err, test.ShouldBeNil)

		var wg sync.WaitGroup
		var stopErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			stopErr = c.RequestOwnStop(ctx)
		}()
		go func() {
			defer wg.Done()
			m.Update(time.Now(), time.Millisecond)
		}()
		wg.Wait()
		test.That(t, stopErr, test.ShouldBeNil)

		// The request was either applied directly or queued and drained by the tick.
		test.That(t, mustState(t, m, "trajectory"), test.ShouldEqual, controller.Stopped)
		m.deferredMu.Lock()
		test.That(t, m.deferredStops, test.ShouldBeEmpty)
		m.deferredMu.Unlock()
	}

	// Nothing left queued can stop the controller after a fresh start.
	_, err := m.RequestStart(ctx, "trajectory")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mustState(t, m, "trajectory"), test.ShouldEqual, controller.Active)
}

func TestHandleLookups(t *testing.T) {
	m, _ := newTestManager(t)

	h, err := m.GetHandle("joint1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Name(), test.ShouldEqual, "joint1")

	_, err = m.GetJointHandle("base_gyro")
	test.That(t, errors.Is(err, controller.ErrNotFound), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not a joint")

	g, err := m.GetGyroHandle("base_gyro")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.Name(), test.ShouldEqual, "base_gyro")

	_, err = m.GetHandle("nope")
	test.That(t, errors.Is(err, controller.ErrNotFound), test.ShouldBeTrue)

	test.That(t, m.AddJointHandle(handle.NewJointHandle("joint1", false, handle.Limits{})), test.ShouldBeFalse)
	test.That(t, m.AddGyroHandle(handle.NewGyroHandle("imu")), test.ShouldBeTrue)
}

// exclusionViolation describes a handle claimed by two Active controllers, if any.
func exclusionViolation(statuses []controller.Status) string {
	owners := map[string]string{}
	for _, s := range statuses {
		if s.State != controller.Active {
			continue
		}
		for _, h := range s.Claimed {
			if owner, ok := owners[h]; ok {
				return fmt.Sprintf("%s claimed by both %s and %s", h, owner, s.Name)
			}
			owners[h] = s.Name
		}
	}
	return ""
}

func TestMutualExclusionUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	ctrls := []*fake.Controller{
		fake.New("c0", "joint1", "joint2"),
		fake.New("c1", "joint2", "joint3"),
		fake.New("c2", "joint3", "joint1"),
		fake.New("c3", "joint4"),
		fake.New("c4", "joint4", "joint1"),
	}
	m, _ := newTestManager(t, lo.Map(ctrls, func(c *fake.Controller, _ int) controller.Controller { return c })...)

	var violationsMu sync.Mutex
	var violations []string
	check := func(statuses []controller.Status) {
		if v := exclusionViolation(statuses); v != "" {
			violationsMu.Lock()
			violations = append(violations, v)
			violationsMu.Unlock()
		}
	}

	// Every update checks, from inside the tick, that nobody else holds its handles.
	for _, c := range ctrls {
		c.OnUpdate(func(time.Time, time.Duration) {
			check(stateInLock(m))
		})
	}

	stop := make(chan struct{})
	var ticker sync.WaitGroup
	ticker.Add(1)
	go func() {
		defer ticker.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.Update(time.Now(), time.Millisecond)
			}
		}
	}()

	var clients sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		clients.Add(1)
		go func(seed int64) {
			defer clients.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				name := fmt.Sprintf("c%d", rnd.Intn(len(ctrls)))
				var err error
				if rnd.Intn(3) == 0 {
					err = m.RequestStop(ctx, name)
				} else {
					_, err = m.RequestStart(ctx, name)
				}
				if err != nil {
					violationsMu.Lock()
					violations = append(violations, err.Error())
					violationsMu.Unlock()
				}
				check(m.State())
			}
		}(int64(worker))
	}
	clients.Wait()
	close(stop)
	ticker.Wait()
	check(m.State())
	test.That(t, violations, test.ShouldBeEmpty)
}

// stateInLock builds the snapshot without taking mu, for use while mu is already held by the
// caller's goroutine during Update.
func stateInLock(m *Manager) []controller.Status {
	statuses := make([]controller.Status, 0, len(m.entries))
	for _, e := range m.entries {
		statuses = append(statuses, controller.Status{Name: e.ctrl.Name(), State: e.state, Claimed: e.ctrl.ClaimedNames()})
	}
	return statuses
}

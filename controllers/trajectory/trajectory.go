// Package trajectory implements a controller that follows joint trajectories and holds the last
// commanded position once a trajectory ends.
package trajectory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
	rutils "go.viam.com/ctrlmgr/utils"
)

// Type is the registered controller type.
const Type = "follow_joint_trajectory"

const (
	defaultGoalTolerance = 0.02
	// goalGrace is added to goal_time_tolerance before a goal that never settles is aborted.
	goalGrace = 600 * time.Millisecond
)

// Config is the native config of a trajectory controller.
type Config struct {
	Joints []string `json:"joints"`
	// StopWithAction makes the controller request its own stop once a trajectory succeeds.
	StopWithAction bool `json:"stop_with_action"`
	// StopOnPathViolation makes the controller request its own stop when the path tolerance is
	// violated, including while holding position.
	StopOnPathViolation bool `json:"stop_on_path_violation"`
	// Tolerances are per joint, in the joint's units. Zero disables a path tolerance.
	PathTolerance         float64       `json:"path_tolerance"`
	PathVelocityTolerance float64       `json:"path_velocity_tolerance"`
	GoalTolerance         float64       `json:"goal_tolerance"`
	GoalTimeTolerance     time.Duration `json:"goal_time_tolerance"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if len(c.Joints) == 0 {
		return errors.New("at least one joint is required")
	}
	if dups := lo.FindDuplicates(c.Joints); len(dups) > 0 {
		return errors.Errorf("joints %v are listed twice", dups)
	}
	if c.PathTolerance < 0 || c.PathVelocityTolerance < 0 || c.GoalTolerance < 0 || c.GoalTimeTolerance < 0 {
		return errors.New("tolerances cannot be negative")
	}
	return nil
}

func init() {
	controller.RegisterTypeWithConfig[Config](Type, func(
		ctx context.Context, conf controller.Config, logger logging.Logger,
	) (controller.Controller, error) {
		native, ok := conf.ConvertedAttributes.(*Config)
		if !ok {
			return nil, errors.Errorf("expected *trajectory.Config, got %T", conf.ConvertedAttributes)
		}
		return New(conf.Name, *native, logger)
	})
}

// GoalState is the state of the latest trajectory.
type GoalState string

// Goal states.
const (
	GoalIdle      GoalState = "idle"
	GoalPending   GoalState = "pending"
	GoalExecuting GoalState = "executing"
	GoalSucceeded GoalState = "succeeded"
	GoalAborted   GoalState = "aborted"
	GoalPreempted GoalState = "preempted"
)

// Status reports the latest trajectory and the tracking of the last update.
type Status struct {
	State   GoalState `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	Desired []float64 `json:"desired,omitempty"`
	Actual  []float64 `json:"actual,omitempty"`
	Error   []float64 `json:"error,omitempty"`
}

// Controller follows trajectories over its joints.
type Controller struct {
	name   string
	cfg    Config
	logger logging.Logger

	mu         sync.Mutex
	joints     []handle.Joint
	continuous []bool
	stopper    controller.Stopper

	pending    []Point
	sampler    *sampler
	lastSample []float64
	status     Status
}

var _ controller.Controller = (*Controller)(nil)

// New returns an uninitialized trajectory controller.
func New(name string, cfg Config, logger logging.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GoalTolerance == 0 {
		cfg.GoalTolerance = defaultGoalTolerance
	}
	return &Controller{name: name, cfg: cfg, logger: logger, status: Status{State: GoalIdle}}, nil
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// Type returns the registered type.
func (c *Controller) Type() string { return Type }

// Init resolves the joints.
func (c *Controller) Init(ctx context.Context, deps controller.Dependencies) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joints, c.continuous = nil, nil
	for _, name := range c.cfg.Joints {
		j, ok := deps.Handles.Joint(name)
		if !ok {
			return controller.NewHandleNotFoundError(name)
		}
		c.joints = append(c.joints, j)
		c.continuous = append(c.continuous, j.IsContinuous())
	}
	c.stopper = deps.Stopper
	return nil
}

// Start holds the joints where they are until a trajectory arrives. A trajectory that was
// executing when the controller was last stopped is dropped; one that was only accepted begins on
// the next update.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampler != nil {
		c.logger.CWarnw(ctx, "dropping trajectory interrupted by a stop", "controller", c.name)
		c.sampler = nil
		c.status.State = GoalPreempted
		c.status.Reason = "controller restarted"
	}
	c.lastSample = make([]float64, len(c.joints))
	for i, j := range c.joints {
		c.lastSample[i] = j.Position()
	}
	return nil
}

// Stop refuses a non-forced stop while a trajectory is pending or executing. A forced stop
// aborts it.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busyLocked() {
		return nil
	}
	if !force {
		return errors.New("trajectory in progress")
	}
	c.abortLocked(GoalAborted, "controller manager forced preemption")
	return nil
}

// Reset aborts any trajectory and forgets the held position.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		c.abortLocked(GoalAborted, "reset")
	}
	c.lastSample = nil
	c.status = Status{State: GoalIdle}
	return nil
}

// ClaimedNames returns the controlled joints.
func (c *Controller) ClaimedNames() []string { return c.cfg.Joints }

// CommandedNames returns the controlled joints.
func (c *Controller) CommandedNames() []string { return c.cfg.Joints }

// Execute replaces the current trajectory, if any, with points. Execution starts on the next
// update the controller receives, so the controller has to be active to make progress. An empty
// trajectory asks the manager to stop the controller.
func (c *Controller) Execute(ctx context.Context, points []Point) error {
	c.mu.Lock()
	if len(points) == 0 {
		if c.busyLocked() {
			c.abortLocked(GoalPreempted, "empty trajectory")
		}
		c.status = Status{State: GoalSucceeded, Reason: "controller stopped"}
		stopper := c.stopper
		c.mu.Unlock()
		if stopper == nil {
			return nil
		}
		return stopper.RequestStop(ctx, c.name)
	}
	defer c.mu.Unlock()

	if err := validatePoints(points, len(c.joints)); err != nil {
		return err
	}
	if c.busyLocked() {
		c.logger.CWarnw(ctx, "preempting trajectory in progress", "controller", c.name)
		c.abortLocked(GoalPreempted, "preempted by a new trajectory")
	}
	c.pending = lo.Map(points, func(p Point, _ int) Point {
		return Point{TimeFromStart: p.TimeFromStart, Positions: append([]float64(nil), p.Positions...)}
	})
	c.status = Status{State: GoalPending}
	return nil
}

// Status returns the state of the latest trajectory.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Desired = append([]float64(nil), s.Desired...)
	s.Actual = append([]float64(nil), s.Actual...)
	s.Error = append([]float64(nil), s.Error...)
	return s
}

// Update samples the trajectory and commands the joints, or holds the last sample.
func (c *Controller) Update(now time.Time, dt time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		if err := c.beginLocked(now); err != nil {
			c.pending = nil
			c.status = Status{State: GoalAborted, Reason: err.Error()}
			c.logger.Errorw("cannot execute trajectory", "error", err)
		}
	}

	if c.sampler != nil {
		c.followLocked(now)
		return nil
	}
	if c.lastSample != nil {
		c.holdLocked()
	}
	return nil
}

// beginLocked turns the pending points into a sampler starting at now. The trajectory starts
// from the last sample when one is held, otherwise from the current positions.
func (c *Controller) beginLocked(now time.Time) error {
	from := c.lastSample
	if from == nil {
		from = make([]float64, len(c.joints))
		for i, j := range c.joints {
			from[i] = j.Position()
		}
	}
	points := c.pending
	c.pending = nil
	switch {
	case points[0].TimeFromStart > 0:
		points = append([]Point{{Positions: append([]float64(nil), from...)}}, points...)
	case len(points) == 1:
		// A lone point at time zero is a jump.
		points = append(points, Point{TimeFromStart: time.Millisecond, Positions: points[0].Positions})
	}
	windup(c.continuous, points)
	s, err := newSampler(now, points)
	if err != nil {
		return err
	}
	c.sampler = s
	c.status = Status{State: GoalExecuting}
	return nil
}

func (c *Controller) followLocked(now time.Time) {
	q, qd, elapsed := c.sampler.sample(now)
	for i := range q {
		if c.continuous[i] {
			q[i] = rutils.NormalizeAngle(q[i])
		}
	}
	c.lastSample = q

	actual := make([]float64, len(c.joints))
	errs := make([]float64, len(c.joints))
	for i, j := range c.joints {
		actual[i] = j.Position()
		errs[i] = rutils.JointError(q[i], actual[i], c.continuous[i])
	}
	c.status.Desired, c.status.Actual, c.status.Error = q, actual, errs

	for i, j := range c.joints {
		j.SetPosition(q[i], qd[i], 0)
	}

	if reason := c.pathViolationLocked(errs, qd); reason != "" {
		c.logger.Errorw("trajectory path tolerance violated", "reason", reason)
		c.abortLocked(GoalAborted, reason)
		if c.cfg.StopOnPathViolation {
			c.requestStopLocked()
		}
		return
	}

	if elapsed < c.sampler.end {
		return
	}
	if lo.EveryBy(errs, func(e float64) bool { return math.Abs(e) <= c.cfg.GoalTolerance }) {
		c.sampler = nil
		c.status.State = GoalSucceeded
		c.logger.Debug("trajectory succeeded")
		if c.cfg.StopWithAction {
			c.requestStopLocked()
		}
		return
	}
	if elapsed > c.sampler.end+c.cfg.GoalTimeTolerance+goalGrace {
		c.logger.Errorw("trajectory not executed within time limits", "error", errs)
		c.abortLocked(GoalAborted, "goal tolerance violated")
	}
}

func (c *Controller) pathViolationLocked(errs, qd []float64) string {
	for i, j := range c.joints {
		if tol := c.cfg.PathTolerance; tol > 0 && math.Abs(errs[i]) > tol {
			return "position of " + j.Name() + " outside path tolerance"
		}
		if tol := c.cfg.PathVelocityTolerance; tol > 0 && math.Abs(j.Velocity()-qd[i]) > tol {
			return "velocity of " + j.Name() + " outside path tolerance"
		}
	}
	return ""
}

// holdLocked commands the last sample, stopping the controller if the joints were pushed away
// from it and stop_on_path_violation is set.
func (c *Controller) holdLocked() {
	if tol := c.cfg.PathTolerance; tol > 0 && c.cfg.StopOnPathViolation {
		for i, j := range c.joints {
			if math.Abs(rutils.JointError(c.lastSample[i], j.Position(), c.continuous[i])) > tol {
				c.logger.Warnw("joint pushed away from held position", "joint", j.Name())
				c.requestStopLocked()
				break
			}
		}
	}
	for i, j := range c.joints {
		j.SetPosition(c.lastSample[i], 0, 0)
	}
}

func (c *Controller) busyLocked() bool {
	return c.pending != nil || c.sampler != nil
}

func (c *Controller) abortLocked(state GoalState, reason string) {
	c.pending = nil
	c.sampler = nil
	c.status.State = state
	c.status.Reason = reason
}

// requestStopLocked asks the manager to stop this controller. From within Update the manager
// applies the request after the tick.
func (c *Controller) requestStopLocked() {
	if c.stopper == nil {
		return
	}
	if err := c.stopper.RequestStop(context.Background(), c.name); err != nil {
		c.logger.Warnw("could not request own stop", "error", err)
	}
}

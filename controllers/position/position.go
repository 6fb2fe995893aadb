// Package position implements a controller that drives joints to target positions with one PID
// per joint, commanding effort.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/ctrlmgr/control"
	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
	rutils "go.viam.com/ctrlmgr/utils"
)

// Type is the registered controller type.
const Type = "position"

// Config is the native config of a position controller.
type Config struct {
	Joints        []string           `json:"joints"`
	Kp            float64            `json:"kp"`
	Ki            float64            `json:"ki"`
	Kd            float64            `json:"kd"`
	IntegralLimit float64            `json:"integral_limit"`
	MaxEffort     float64            `json:"max_effort"`
	Targets       map[string]float64 `json:"targets"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if len(c.Joints) == 0 {
		return errors.New("at least one joint is required")
	}
	if dups := lo.FindDuplicates(c.Joints); len(dups) > 0 {
		return errors.Errorf("joints %v are listed twice", dups)
	}
	for name := range c.Targets {
		if !lo.Contains(c.Joints, name) {
			return errors.Errorf("target for joint %q which is not controlled", name)
		}
	}
	return c.pid().Validate()
}

func (c *Config) pid() control.PIDConfig {
	return control.PIDConfig{Kp: c.Kp, Ki: c.Ki, Kd: c.Kd, IntegralLimit: c.IntegralLimit, OutputLimit: c.MaxEffort}
}

func init() {
	controller.RegisterTypeWithConfig[Config](Type, func(
		ctx context.Context, conf controller.Config, logger logging.Logger,
	) (controller.Controller, error) {
		native, ok := conf.ConvertedAttributes.(*Config)
		if !ok {
			return nil, errors.Errorf("expected *position.Config, got %T", conf.ConvertedAttributes)
		}
		return New(conf.Name, *native, logger)
	})
}

type joint struct {
	handle handle.Joint
	pid    *control.PID
	target float64
}

// Controller holds its joints at per-joint targets.
type Controller struct {
	name   string
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	joints []*joint
	// hasTarget is false for joints whose target is captured on Start.
	hasTarget map[string]bool
}

var _ controller.Controller = (*Controller)(nil)

// New returns an uninitialized position controller.
func New(name string, cfg Config, logger logging.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{name: name, cfg: cfg, logger: logger}, nil
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// Type returns the registered type.
func (c *Controller) Type() string { return Type }

// Init resolves the joints.
func (c *Controller) Init(ctx context.Context, deps controller.Dependencies) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joints = c.joints[:0]
	for _, name := range c.cfg.Joints {
		j, ok := deps.Handles.Joint(name)
		if !ok {
			return controller.NewHandleNotFoundError(name)
		}
		pid, err := control.NewPID(c.cfg.pid())
		if err != nil {
			return err
		}
		c.joints = append(c.joints, &joint{handle: j, pid: pid})
	}
	c.resetTargetsLocked()
	return nil
}

func (c *Controller) resetTargetsLocked() {
	c.hasTarget = map[string]bool{}
	for _, j := range c.joints {
		target, ok := c.cfg.Targets[j.handle.Name()]
		j.target = target
		c.hasTarget[j.handle.Name()] = ok
	}
}

// Start holds the current position of every joint without a target.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.joints {
		if !c.hasTarget[j.handle.Name()] {
			j.target = j.handle.Position()
		}
		j.pid.Reset()
	}
	return nil
}

// Stop never refuses.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	return nil
}

// Update commands each joint's PID effort.
func (c *Controller) Update(now time.Time, dt time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.joints {
		// The PID works on target - position, the opposite sign of JointError.
		err := -rutils.JointError(j.target, j.handle.Position(), j.handle.IsContinuous())
		j.handle.SetEffort(j.pid.Next(err, dt))
	}
	return nil
}

// Reset forgets targets set at runtime and PID state.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.joints {
		j.pid.Reset()
	}
	c.resetTargetsLocked()
	return nil
}

// ClaimedNames returns the controlled joints.
func (c *Controller) ClaimedNames() []string { return c.cfg.Joints }

// CommandedNames returns the controlled joints.
func (c *Controller) CommandedNames() []string { return c.cfg.Joints }

// SetTarget changes the target of one joint.
func (c *Controller) SetTarget(name string, position float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.joints {
		if j.handle.Name() == name {
			j.target = position
			c.hasTarget[name] = true
			c.logger.Debugw("new target", "joint", name, "position", position)
			return nil
		}
	}
	return controller.NewHandleNotFoundError(name)
}

// Targets returns the current target of every joint.
func (c *Controller) Targets() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.SliceToMap(c.joints, func(j *joint) (string, float64) { return j.handle.Name(), j.target })
}

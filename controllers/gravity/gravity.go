// Package gravity implements a controller that applies constant feed-forward efforts, e.g. to
// hold an arm against gravity while nothing else commands it.
package gravity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
)

// Type is the registered controller type.
const Type = "gravity_compensation"

// Config is the native config of a gravity compensation controller.
type Config struct {
	Efforts map[string]float64 `json:"efforts"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if len(c.Efforts) == 0 {
		return errors.New("efforts must name at least one joint")
	}
	return nil
}

func init() {
	controller.RegisterTypeWithConfig[Config](Type, func(
		ctx context.Context, conf controller.Config, logger logging.Logger,
	) (controller.Controller, error) {
		native, ok := conf.ConvertedAttributes.(*Config)
		if !ok {
			return nil, errors.Errorf("expected *gravity.Config, got %T", conf.ConvertedAttributes)
		}
		return New(conf.Name, *native)
	})
}

// Controller commands a fixed effort on each of its joints.
type Controller struct {
	name    string
	efforts map[string]float64
	names   []string

	mu     sync.Mutex
	joints []handle.Joint
}

var _ controller.Controller = (*Controller)(nil)

// New returns an uninitialized controller.
func New(name string, cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	names := lo.Keys(cfg.Efforts)
	sort.Strings(names)
	return &Controller{name: name, efforts: cfg.Efforts, names: names}, nil
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// Type returns the registered type.
func (c *Controller) Type() string { return Type }

// Init resolves the joints.
func (c *Controller) Init(ctx context.Context, deps controller.Dependencies) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joints = nil
	for _, name := range c.names {
		j, ok := deps.Handles.Joint(name)
		if !ok {
			return controller.NewHandleNotFoundError(name)
		}
		c.joints = append(c.joints, j)
	}
	return nil
}

// Start does nothing.
func (c *Controller) Start(ctx context.Context) error { return nil }

// Stop does nothing.
func (c *Controller) Stop(ctx context.Context, force bool) error { return nil }

// Update commands the configured efforts.
func (c *Controller) Update(now time.Time, dt time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.joints {
		j.SetEffort(c.efforts[j.Name()])
	}
	return nil
}

// Reset does nothing.
func (c *Controller) Reset(ctx context.Context) error { return nil }

// ClaimedNames returns the compensated joints, sorted.
func (c *Controller) ClaimedNames() []string { return c.names }

// CommandedNames returns the compensated joints, sorted.
func (c *Controller) CommandedNames() []string { return c.names }

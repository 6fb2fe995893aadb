// Package fake implements a scriptable controller for tests and dry runs.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/logging"
)

// Type is the registered type of the fake controller.
const Type = "fake"

// Config is the native config of the fake controller.
type Config struct {
	Claims    []string `json:"claims"`
	FailInit  bool     `json:"fail_init"`
	FailStart bool     `json:"fail_start"`
	FailStop  bool     `json:"fail_stop"`
}

func init() {
	controller.RegisterTypeWithConfig[Config](Type, func(
		ctx context.Context, conf controller.Config, logger logging.Logger,
	) (controller.Controller, error) {
		native, ok := conf.ConvertedAttributes.(*Config)
		if !ok {
			native = &Config{}
		}
		c := New(conf.Name, native.Claims...)
		if native.FailInit {
			c.SetInitError(errors.New("configured to fail init"))
		}
		if native.FailStart {
			c.SetStartError(errors.New("configured to fail start"))
		}
		if native.FailStop {
			c.SetStopError(errors.New("configured to fail stop"))
		}
		return c, nil
	})
}

// Event is one recorded call.
type Event struct {
	Controller string
	Call       string
	Force      bool
}

// Recorder collects events from several fakes in call order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Calls returns, in order, the controllers of the recorded events of the given call.
func (r *Recorder) Calls(call string) []string {
	var names []string
	for _, e := range r.Events() {
		if e.Call == call {
			names = append(names, e.Controller)
		}
	}
	return names
}

// Reset forgets all events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Controller is a fake controller. Failures are injected with the Set* methods.
type Controller struct {
	name   string
	claims []string

	mu            sync.Mutex
	deps          controller.Dependencies
	recorder      *Recorder
	initErr       error
	startErr      error
	stopErr       error
	refuseUnforce bool
	updateErr     error
	resetErr      error
	panicOnUpdate bool
	onUpdate      func(now time.Time, dt time.Duration)
	updates       int
	lastDt        time.Duration
	lastNow       time.Time
}

var _ controller.Controller = (*Controller)(nil)

// New returns a fake controller claiming the given handles.
func New(name string, claims ...string) *Controller {
	return &Controller{name: name, claims: claims}
}

// WithRecorder makes the controller record every call into r.
func (c *Controller) WithRecorder(r *Recorder) *Controller {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
	return c
}

// SetInitError makes Init fail.
func (c *Controller) SetInitError(err error) {
	c.mu.Lock()
	c.initErr = err
	c.mu.Unlock()
}

// SetStartError makes Start fail.
func (c *Controller) SetStartError(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

// SetStopError makes Stop fail.
func (c *Controller) SetStopError(err error) {
	c.mu.Lock()
	c.stopErr = err
	c.mu.Unlock()
}

// SetRefuseUnforcedStop makes non-forced stops fail.
func (c *Controller) SetRefuseUnforcedStop(refuse bool) {
	c.mu.Lock()
	c.refuseUnforce = refuse
	c.mu.Unlock()
}

// SetUpdateError makes Update fail.
func (c *Controller) SetUpdateError(err error) {
	c.mu.Lock()
	c.updateErr = err
	c.mu.Unlock()
}

// SetResetError makes Reset fail.
func (c *Controller) SetResetError(err error) {
	c.mu.Lock()
	c.resetErr = err
	c.mu.Unlock()
}

// SetPanicOnUpdate makes Update panic.
func (c *Controller) SetPanicOnUpdate(panics bool) {
	c.mu.Lock()
	c.panicOnUpdate = panics
	c.mu.Unlock()
}

// OnUpdate installs a hook run at the end of every successful Update.
func (c *Controller) OnUpdate(f func(now time.Time, dt time.Duration)) {
	c.mu.Lock()
	c.onUpdate = f
	c.mu.Unlock()
}

// Name returns the controller name.
func (c *Controller) Name() string {
	return c.name
}

// Type returns the fake type.
func (c *Controller) Type() string {
	return Type
}

// Init verifies that every claimed handle exists.
func (c *Controller) Init(ctx context.Context, deps controller.Dependencies) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder.record(Event{Controller: c.name, Call: "init"})
	if c.initErr != nil {
		return c.initErr
	}
	if deps.Handles != nil {
		for _, name := range c.claims {
			if _, ok := deps.Handles.Lookup(name); !ok {
				return controller.NewHandleNotFoundError(name)
			}
		}
	}
	c.deps = deps
	return nil
}

// Start records the call.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder.record(Event{Controller: c.name, Call: "start"})
	return c.startErr
}

// Stop records the call.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder.record(Event{Controller: c.name, Call: "stop", Force: force})
	if !force && c.refuseUnforce {
		return errors.New("busy")
	}
	return c.stopErr
}

// Update records the call and runs the hook.
func (c *Controller) Update(now time.Time, dt time.Duration) error {
	c.mu.Lock()
	c.recorder.record(Event{Controller: c.name, Call: "update"})
	if c.panicOnUpdate {
		c.mu.Unlock()
		panic("fake controller update panic")
	}
	if c.updateErr != nil {
		err := c.updateErr
		c.mu.Unlock()
		return err
	}
	c.updates++
	c.lastNow, c.lastDt = now, dt
	hook := c.onUpdate
	c.mu.Unlock()
	if hook != nil {
		hook(now, dt)
	}
	return nil
}

// Reset records the call.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder.record(Event{Controller: c.name, Call: "reset"})
	return c.resetErr
}

// ClaimedNames returns the claimed handles.
func (c *Controller) ClaimedNames() []string {
	return c.claims
}

// CommandedNames returns the claimed handles.
func (c *Controller) CommandedNames() []string {
	return c.claims
}

// Updates returns how many updates succeeded.
func (c *Controller) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// LastUpdate returns the arguments of the last successful update.
func (c *Controller) LastUpdate() (time.Time, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNow, c.lastDt
}

// RequestOwnStop asks the manager, through the Stopper given at Init, to stop this controller.
func (c *Controller) RequestOwnStop(ctx context.Context) error {
	c.mu.Lock()
	stopper := c.deps.Stopper
	c.mu.Unlock()
	if stopper == nil {
		return errors.New("no stopper")
	}
	return stopper.RequestStop(ctx, c.name)
}

// Package controller defines the capability set the manager drives, the controller state machine
// and the type registry used to build controllers from configuration.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.viam.com/ctrlmgr/handle"
)

// Controller is a pluggable control algorithm. It reads feedback from any handle and writes
// commands to the handles it claims while Active. The manager owns the state machine; the
// methods below are only ever called by the manager, one at a time.
type Controller interface {
	// Name returns the unique name the controller was configured with.
	Name() string
	// Type returns the registered type the controller was built from.
	Type() string

	// Init resolves handles and prepares internal state. It is called exactly once, at load time.
	Init(ctx context.Context, deps Dependencies) error
	// Start is called on the transition to Active. An error keeps the controller Stopped.
	Start(ctx context.Context) error
	// Stop is called on the transition out of Active. With force false a controller may refuse
	// by returning an error, e.g. while executing a goal; the manager records the refusal but
	// the controller is Stopped regardless.
	Stop(ctx context.Context, force bool) error
	// Update runs one control step. It must be bounded in time and must not block.
	Update(now time.Time, dt time.Duration) error
	// Reset returns internal state to what it was right after Init.
	Reset(ctx context.Context) error

	// ClaimedNames returns the handle names the controller needs exclusive write access to.
	ClaimedNames() []string
	// CommandedNames returns the handle names the controller writes to. Usually equal to
	// ClaimedNames.
	CommandedNames() []string
}

// Handles is the read side of the handle registry a controller resolves its handles from.
type Handles interface {
	Lookup(name string) (handle.Handle, bool)
	Joint(name string) (handle.Joint, bool)
	Gyro(name string) (handle.Gyro, bool)
}

// Stopper lets a controller ask for its own stop, e.g. once a goal completes. Requests made from
// inside Update are applied after the tick.
type Stopper interface {
	RequestStop(ctx context.Context, name string) error
}

// Dependencies is what a controller receives at Init.
type Dependencies struct {
	Handles Handles
	Stopper Stopper
}

// State is the manager-side lifecycle state of a controller.
type State int

// Controller states. Only Active controllers receive updates.
const (
	Uninitialized State = iota
	Initialized
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateFromString parses the output of State.String.
func StateFromString(s string) (State, error) {
	switch strings.ToLower(s) {
	case "uninitialized":
		return Uninitialized, nil
	case "initialized":
		return Initialized, nil
	case "active", "running":
		return Active, nil
	case "stopped":
		return Stopped, nil
	}
	return Uninitialized, fmt.Errorf("unknown controller state %q", s)
}

// MarshalJSON encodes the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(data []byte) (err error) {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s, err = StateFromString(str)
	return
}

// Status is a point-in-time view of one loaded controller.
type Status struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	State   State    `json:"state"`
	Claimed []string `json:"claimed,omitempty"`
	Faults  int      `json:"faults,omitempty"`
}

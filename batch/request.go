// Package batch implements the asynchronous submit/cancel/result protocol that starts and stops
// several controllers as one request.
package batch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/manager"
)

var (
	// ErrInvalidRequest is returned by Submit for a malformed request. Nothing is executed.
	ErrInvalidRequest = errors.New("invalid batch request")
	// ErrUnknownTask is returned for an id that was never issued or has expired.
	ErrUnknownTask = errors.New("unknown batch task")
)

// Request stops and starts controllers. Stop is processed before Start, each in order.
type Request struct {
	Stop  []string `json:"stop,omitempty"`
	Start []string `json:"start,omitempty"`
	// Types lets Start name controllers that are not loaded yet; they are loaded with the given
	// type first.
	Types map[string]string `json:"types,omitempty"`
	// Debug logs the request's processing at debug level regardless of the logger level.
	Debug bool `json:"debug,omitempty"`
}

// IsQuery reports whether the request only asks for the controller snapshot.
func (r Request) IsQuery() bool {
	return len(r.Stop) == 0 && len(r.Start) == 0
}

// Validate rejects empty names, duplicates within a list and names in both lists.
func (r Request) Validate() error {
	for list, names := range map[string][]string{"stop": r.Stop, "start": r.Start} {
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				return errors.Wrapf(ErrInvalidRequest, "empty controller name in %s list", list)
			}
		}
		if dups := lo.FindDuplicates(names); len(dups) > 0 {
			return errors.Wrapf(ErrInvalidRequest, "controllers %v appear twice in the %s list", dups, list)
		}
	}
	if both := lo.Intersect(r.Stop, r.Start); len(both) > 0 {
		return errors.Wrapf(ErrInvalidRequest, "controllers %v are in both the stop and start lists", both)
	}
	for name, typ := range r.Types {
		if typ == "" {
			return errors.Wrapf(ErrInvalidRequest, "empty type for controller %q", name)
		}
	}
	return nil
}

// Action is what an outcome attempted.
type Action string

// Actions.
const (
	ActionStop  Action = "stop"
	ActionStart Action = "start"
)

// OutcomeStatus is how one controller's transition went.
type OutcomeStatus string

// Outcome statuses.
const (
	Succeeded OutcomeStatus = "succeeded"
	Failed    OutcomeStatus = "failed"
	Cancelled OutcomeStatus = "cancelled"
)

// Outcome is the result for one controller of a request.
type Outcome struct {
	Name   string        `json:"name"`
	Action Action        `json:"action"`
	Status OutcomeStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
	// Preempted lists the controllers a start stopped.
	Preempted []manager.Preemption `json:"preempted,omitempty"`
}

// Result is the final report of a request.
type Result struct {
	Outcomes []Outcome `json:"outcomes"`
	// Controllers is a snapshot of every loaded controller taken once the request completed.
	Controllers []controller.Status `json:"controllers"`
	Cancelled   bool                `json:"cancelled,omitempty"`
}

// Succeeded reports whether every outcome succeeded.
func (r *Result) Succeeded() bool {
	return lo.EveryBy(r.Outcomes, func(o Outcome) bool { return o.Status == Succeeded })
}

// TaskState is the lifecycle state of a request.
type TaskState int

// Task states. Rejected requests are never stored; the state exists for reporting.
const (
	Submitted TaskState = iota
	Executing
	Cancelling
	Completed
	Rejected
)

func (s TaskState) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Executing:
		return "executing"
	case Cancelling:
		return "cancelling"
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("task_state(%d)", int(s))
	}
}

// MarshalJSON encodes the state as its name.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for _, candidate := range []TaskState{Submitted, Executing, Cancelling, Completed, Rejected} {
		if candidate.String() == str {
			*s = candidate
			return nil
		}
	}
	return errors.Errorf("unknown task state %q", str)
}

// Package handle defines the named actuator and sensor accessors that controllers read and
// command, and the registry that owns them.
package handle

import (
	"sync"

	rutils "go.viam.com/ctrlmgr/utils"
)

// Handle is a named accessor to one physical quantity.
type Handle interface {
	Name() string
}

// Joint is an actuator handle: feedback can be read by anyone, commands are written by the
// controller that currently claims the joint.
type Joint interface {
	Handle
	Position() float64
	Velocity() float64
	Effort() float64
	IsContinuous() bool

	// SetPosition commands a position with velocity and effort feed-forward terms.
	SetPosition(position, velocity, effort float64)
	// SetVelocity commands a velocity with an effort feed-forward term.
	SetVelocity(velocity, effort float64)
	SetEffort(effort float64)
	Command() Command
	// ResetCommand drops any pending command. The manager calls it at the start of every tick, so a
	// joint nobody commands in a tick reports CommandNone to the driver.
	ResetCommand()
}

// Gyro is a read-only sensor handle.
type Gyro interface {
	Handle
	AngularVelocity() Vector3
	Orientation() Quaternion
}

// Mode is the control mode of a joint command.
type Mode int

// Command modes. CommandNone means no controller commanded the joint this tick.
const (
	CommandNone Mode = iota
	CommandPosition
	CommandVelocity
	CommandEffort
)

func (m Mode) String() string {
	switch m {
	case CommandNone:
		return "none"
	case CommandPosition:
		return "position"
	case CommandVelocity:
		return "velocity"
	case CommandEffort:
		return "effort"
	default:
		return "unknown"
	}
}

// Command is the pending command of a joint.
type Command struct {
	Mode     Mode
	Position float64
	Velocity float64
	Effort   float64
}

// Vector3 is a 3d vector, e.g. an angular rate in rad/s.
type Vector3 struct {
	X, Y, Z float64
}

// Quaternion is a unit orientation quaternion.
type Quaternion struct {
	W, X, Y, Z float64
}

// Limits bound the commands accepted by a JointHandle. A zero value disables that bound; position
// bounds are only applied when MaxPosition > MinPosition.
type Limits struct {
	MinPosition float64 `json:"min_position,omitempty"`
	MaxPosition float64 `json:"max_position,omitempty"`
	MaxVelocity float64 `json:"max_velocity,omitempty"`
	MaxEffort   float64 `json:"max_effort,omitempty"`
}

// JointHandle is an in-memory Joint. The driver side writes feedback with SetFeedback and reads
// the command back each tick.
type JointHandle struct {
	name       string
	continuous bool
	limits     Limits

	mu       sync.RWMutex
	position float64
	velocity float64
	effort   float64
	command  Command
}

// NewJointHandle returns a joint handle with zero feedback and no command.
func NewJointHandle(name string, continuous bool, limits Limits) *JointHandle {
	return &JointHandle{name: name, continuous: continuous, limits: limits}
}

// Name returns the joint name.
func (j *JointHandle) Name() string {
	return j.name
}

// IsContinuous returns whether the joint wraps around at ±π.
func (j *JointHandle) IsContinuous() bool {
	return j.continuous
}

// Limits returns the command limits.
func (j *JointHandle) Limits() Limits {
	return j.limits
}

// Position returns the measured position.
func (j *JointHandle) Position() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.position
}

// Velocity returns the measured velocity.
func (j *JointHandle) Velocity() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.velocity
}

// Effort returns the measured effort.
func (j *JointHandle) Effort() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.effort
}

// SetFeedback stores a new measurement.
func (j *JointHandle) SetFeedback(position, velocity, effort float64) {
	j.mu.Lock()
	j.position, j.velocity, j.effort = position, velocity, effort
	j.mu.Unlock()
}

// SetPosition commands a position.
func (j *JointHandle) SetPosition(position, velocity, effort float64) {
	j.setCommand(Command{Mode: CommandPosition, Position: position, Velocity: velocity, Effort: effort})
}

// SetVelocity commands a velocity.
func (j *JointHandle) SetVelocity(velocity, effort float64) {
	j.setCommand(Command{Mode: CommandVelocity, Velocity: velocity, Effort: effort})
}

// SetEffort commands an effort.
func (j *JointHandle) SetEffort(effort float64) {
	j.setCommand(Command{Mode: CommandEffort, Effort: effort})
}

// Command returns the pending command.
func (j *JointHandle) Command() Command {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.command
}

// ResetCommand clears the pending command.
func (j *JointHandle) ResetCommand() {
	j.mu.Lock()
	j.command = Command{}
	j.mu.Unlock()
}

func (j *JointHandle) setCommand(cmd Command) {
	if j.limits.MaxPosition > j.limits.MinPosition && !j.continuous {
		cmd.Position = rutils.Clamp(cmd.Position, j.limits.MinPosition, j.limits.MaxPosition)
	}
	if j.limits.MaxVelocity > 0 {
		cmd.Velocity = rutils.Clamp(cmd.Velocity, -j.limits.MaxVelocity, j.limits.MaxVelocity)
	}
	if j.limits.MaxEffort > 0 {
		cmd.Effort = rutils.Clamp(cmd.Effort, -j.limits.MaxEffort, j.limits.MaxEffort)
	}
	j.mu.Lock()
	j.command = cmd
	j.mu.Unlock()
}

// GyroHandle is an in-memory Gyro.
type GyroHandle struct {
	name string

	mu              sync.RWMutex
	angularVelocity Vector3
	orientation     Quaternion
}

// NewGyroHandle returns a gyro at rest with identity orientation.
func NewGyroHandle(name string) *GyroHandle {
	return &GyroHandle{name: name, orientation: Quaternion{W: 1}}
}

// Name returns the gyro name.
func (g *GyroHandle) Name() string {
	return g.name
}

// AngularVelocity returns the last angular rate reading.
func (g *GyroHandle) AngularVelocity() Vector3 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.angularVelocity
}

// Orientation returns the last orientation reading.
func (g *GyroHandle) Orientation() Quaternion {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.orientation
}

// SetReading stores a new measurement.
func (g *GyroHandle) SetReading(angularVelocity Vector3, orientation Quaternion) {
	g.mu.Lock()
	g.angularVelocity, g.orientation = angularVelocity, orientation
	g.mu.Unlock()
}

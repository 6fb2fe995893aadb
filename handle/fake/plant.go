// Package fake implements a simulated plant behind joint and gyro handles so the manager can run
// without hardware attached.
package fake

import (
	"math"
	"sync"
	"time"

	"go.viam.com/ctrlmgr/handle"
	rutils "go.viam.com/ctrlmgr/utils"
)

const (
	defaultMaxVelocity = 1.0
	defaultDamping     = 0.5
)

// JointConfig describes one simulated joint.
type JointConfig struct {
	Name       string
	Continuous bool
	Limits     handle.Limits
	Initial    float64
}

// GyroConfig describes one simulated gyro rotating about Z at a constant rate.
type GyroConfig struct {
	Name    string
	YawRate float64
}

// Plant integrates joint commands into joint feedback and advances gyros once per update.
type Plant struct {
	mu     sync.Mutex
	joints []*handle.JointHandle
	gyros  []simGyro
}

type simGyro struct {
	*handle.GyroHandle
	yawRate float64
	yaw     float64
}

// NewPlant creates handles for the given configs.
func NewPlant(joints []JointConfig, gyros []GyroConfig) *Plant {
	p := &Plant{}
	for _, jc := range joints {
		j := handle.NewJointHandle(jc.Name, jc.Continuous, jc.Limits)
		j.SetFeedback(jc.Initial, 0, 0)
		p.joints = append(p.joints, j)
	}
	for _, gc := range gyros {
		p.gyros = append(p.gyros, simGyro{GyroHandle: handle.NewGyroHandle(gc.Name), yawRate: gc.YawRate})
	}
	return p
}

// Register adds every simulated handle to the registry, returning the names that were rejected
// as duplicates.
func (p *Plant) Register(r *handle.Registry) []string {
	var rejected []string
	for _, j := range p.joints {
		if !r.AddJoint(j) {
			rejected = append(rejected, j.Name())
		}
	}
	for _, g := range p.gyros {
		if !r.AddGyro(g.GyroHandle) {
			rejected = append(rejected, g.Name())
		}
	}
	return rejected
}

// Update advances the simulation by dt using the commands present on the joints.
func (p *Plant) Update(_ time.Time, dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := dt.Seconds()
	if step <= 0 {
		return
	}
	for _, j := range p.joints {
		stepJoint(j, step)
	}
	for i := range p.gyros {
		g := &p.gyros[i]
		g.yaw = rutils.NormalizeAngle(g.yaw + g.yawRate*step)
		g.SetReading(
			handle.Vector3{Z: g.yawRate},
			handle.Quaternion{W: math.Cos(g.yaw / 2), Z: math.Sin(g.yaw / 2)},
		)
	}
}

func stepJoint(j *handle.JointHandle, step float64) {
	pos, vel := j.Position(), j.Velocity()
	maxVel := j.Limits().MaxVelocity
	if maxVel <= 0 {
		maxVel = defaultMaxVelocity
	}
	cmd := j.Command()
	var effort float64
	switch cmd.Mode {
	case handle.CommandPosition:
		target := cmd.Position
		delta := target - pos
		if j.IsContinuous() {
			delta = rutils.NormalizeAngle(delta)
		}
		maxStep := maxVel * step
		delta = rutils.Clamp(delta, -maxStep, maxStep)
		vel = delta / step
		pos += delta
		effort = cmd.Effort
	case handle.CommandVelocity:
		vel = rutils.Clamp(cmd.Velocity, -maxVel, maxVel)
		pos += vel * step
		effort = cmd.Effort
	case handle.CommandEffort:
		effort = cmd.Effort
		vel += (effort - defaultDamping*vel) * step
		pos += vel * step
	case handle.CommandNone:
		vel = 0
	}
	if j.IsContinuous() {
		pos = rutils.NormalizeAngle(pos)
	}
	j.SetFeedback(pos, vel, effort)
}


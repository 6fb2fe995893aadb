package handle

import (
	"sync"
)

// Kind tells joints and gyros apart in readings.
type Kind string

// Handle kinds.
const (
	KindJoint Kind = "joint"
	KindGyro  Kind = "gyro"
)

// Registry owns every handle of the process. Handles are added during startup, before the update
// loop runs, and are never removed.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	joints map[string]Joint
	gyros  map[string]Gyro
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		joints: map[string]Joint{},
		gyros:  map[string]Gyro{},
	}
}

// AddJoint registers a joint under its name. It returns false, leaving the registry unchanged, if
// any handle already uses that name.
func (r *Registry) AddJoint(j Joint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.existsInLock(j.Name()) {
		return false
	}
	r.joints[j.Name()] = j
	r.order = append(r.order, j.Name())
	return true
}

// AddGyro registers a gyro under its name. It returns false, leaving the registry unchanged, if
// any handle already uses that name.
func (r *Registry) AddGyro(g Gyro) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.existsInLock(g.Name()) {
		return false
	}
	r.gyros[g.Name()] = g
	r.order = append(r.order, g.Name())
	return true
}

func (r *Registry) existsInLock(name string) bool {
	_, isJoint := r.joints[name]
	_, isGyro := r.gyros[name]
	return isJoint || isGyro
}

// Lookup returns the handle of any kind registered under name.
func (r *Registry) Lookup(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if j, ok := r.joints[name]; ok {
		return j, true
	}
	if g, ok := r.gyros[name]; ok {
		return g, true
	}
	return nil, false
}

// Joint returns the joint registered under name.
func (r *Registry) Joint(name string) (Joint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.joints[name]
	return j, ok
}

// Gyro returns the gyro registered under name.
func (r *Registry) Gyro(name string) (Gyro, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gyros[name]
	return g, ok
}

// Names returns every handle name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Joints returns every joint in registration order.
func (r *Registry) Joints() []Joint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	joints := make([]Joint, 0, len(r.joints))
	for _, name := range r.order {
		if j, ok := r.joints[name]; ok {
			joints = append(joints, j)
		}
	}
	return joints
}

// Gyros returns every gyro in registration order.
func (r *Registry) Gyros() []Gyro {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gyros := make([]Gyro, 0, len(r.gyros))
	for _, name := range r.order {
		if g, ok := r.gyros[name]; ok {
			gyros = append(gyros, g)
		}
	}
	return gyros
}

// ResetCommands clears the pending command of every joint.
func (r *Registry) ResetCommands() {
	for _, j := range r.Joints() {
		j.ResetCommand()
	}
}

// Reading is a point-in-time view of one handle, used by inspection tools.
type Reading struct {
	Name            string      `json:"name"`
	Kind            Kind        `json:"kind"`
	Position        float64     `json:"position,omitempty"`
	Velocity        float64     `json:"velocity,omitempty"`
	Effort          float64     `json:"effort,omitempty"`
	Continuous      bool        `json:"continuous,omitempty"`
	CommandMode     string      `json:"command_mode,omitempty"`
	Command         *Command    `json:"command,omitempty"`
	AngularVelocity *Vector3    `json:"angular_velocity,omitempty"`
	Orientation     *Quaternion `json:"orientation,omitempty"`
}

// Read returns the reading of a single handle.
func Read(h Handle) Reading {
	switch v := h.(type) {
	case Joint:
		cmd := v.Command()
		return Reading{
			Name:        v.Name(),
			Kind:        KindJoint,
			Position:    v.Position(),
			Velocity:    v.Velocity(),
			Effort:      v.Effort(),
			Continuous:  v.IsContinuous(),
			CommandMode: cmd.Mode.String(),
			Command:     &cmd,
		}
	case Gyro:
		av, o := v.AngularVelocity(), v.Orientation()
		return Reading{Name: v.Name(), Kind: KindGyro, AngularVelocity: &av, Orientation: &o}
	default:
		return Reading{Name: h.Name()}
	}
}

// Readings returns the reading of every handle in registration order.
func (r *Registry) Readings() []Reading {
	names := r.Names()
	readings := make([]Reading, 0, len(names))
	for _, name := range names {
		if h, ok := r.Lookup(name); ok {
			readings = append(readings, Read(h))
		}
	}
	return readings
}

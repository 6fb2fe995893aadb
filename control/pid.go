package control

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PIDConfig holds the gains and limits of a PID.
type PIDConfig struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
	// IntegralLimit bounds the absolute value of the integral term. Zero means unbounded.
	IntegralLimit float64 `json:"integral_limit"`
	// OutputLimit bounds the absolute value of the output. Zero means unbounded.
	OutputLimit float64 `json:"output_limit"`
}

// Validate checks that the PID does something.
func (c PIDConfig) Validate() error {
	if c.Kp == 0 && c.Ki == 0 && c.Kd == 0 {
		return errors.New("pid should have at least one of kp, ki or kd")
	}
	if c.IntegralLimit < 0 || c.OutputLimit < 0 {
		return errors.New("pid limits cannot be negative")
	}
	return nil
}

// PID is a discrete PID with integral anti-windup: while the output is saturated the integral
// stops growing in the saturating direction.
type PID struct {
	mu       sync.Mutex
	cfg      PIDConfig
	prevErr  float64
	integral float64
	sat      int
	primed   bool
}

// NewPID returns a PID with the given gains.
func NewPID(cfg PIDConfig) (*PID, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PID{cfg: cfg}, nil
}

// Next returns the output for the error setPoint - measured, dt after the previous call.
// The derivative term is zero on the first call after a reset.
func (p *PID) Next(err float64, dt time.Duration) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	dtS := dt.Seconds()
	if dtS <= 0 {
		return p.outputLocked(err, 0)
	}
	if !((p.sat > 0 && err > 0) || (p.sat < 0 && err < 0)) {
		p.integral += p.cfg.Ki * err * dtS
		if lim := p.cfg.IntegralLimit; lim > 0 {
			p.integral = math.Max(-lim, math.Min(lim, p.integral))
		}
	}
	deriv := 0.0
	if p.primed {
		deriv = (err - p.prevErr) / dtS
	}
	p.prevErr = err
	p.primed = true
	return p.outputLocked(err, deriv)
}

func (p *PID) outputLocked(err, deriv float64) float64 {
	output := p.cfg.Kp*err + p.integral + p.cfg.Kd*deriv
	p.sat = 0
	if lim := p.cfg.OutputLimit; lim > 0 {
		if output > lim {
			output = lim
			p.sat = 1
		} else if output < -lim {
			output = -lim
			p.sat = -1
		}
	}
	return output
}

// Reset clears the integral and derivative state.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prevErr = 0
	p.integral = 0
	p.sat = 0
	p.primed = false
}

package control

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestPIDConfigValidate(t *testing.T) {
	test.That(t, PIDConfig{}.Validate(), test.ShouldNotBeNil)
	test.That(t, PIDConfig{Kp: 1, OutputLimit: -1}.Validate(), test.ShouldNotBeNil)
	test.That(t, PIDConfig{Ki: 0.1}.Validate(), test.ShouldBeNil)

	_, err := NewPID(PIDConfig{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPIDTerms(t *testing.T) {
	dt := 100 * time.Millisecond

	p, err := NewPID(PIDConfig{Kp: 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Next(1.5, dt), test.ShouldAlmostEqual, 3.0)

	p, err = NewPID(PIDConfig{Ki: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Next(1, dt), test.ShouldAlmostEqual, 0.1)
	test.That(t, p.Next(1, dt), test.ShouldAlmostEqual, 0.2)

	p, err = NewPID(PIDConfig{Kd: 1})
	test.That(t, err, test.ShouldBeNil)
	// No derivative kick on the first sample.
	test.That(t, p.Next(1, dt), test.ShouldAlmostEqual, 0.0)
	test.That(t, p.Next(2, dt), test.ShouldAlmostEqual, 10.0)

	p.Reset()
	test.That(t, p.Next(5, dt), test.ShouldAlmostEqual, 0.0)
}

func TestPIDLimits(t *testing.T) {
	dt := time.Second
	p, err := NewPID(PIDConfig{Kp: 1, Ki: 1, OutputLimit: 2})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, p.Next(10, dt), test.ShouldAlmostEqual, 2.0)
	// Saturated: the integral does not keep winding up.
	for i := 0; i < 10; i++ {
		test.That(t, p.Next(10, dt), test.ShouldAlmostEqual, 2.0)
	}
	// An error in the other direction unwinds right away.
	test.That(t, p.Next(-10, dt), test.ShouldAlmostEqual, -2.0)
	test.That(t, p.Next(0, dt), test.ShouldAlmostEqual, 0.0)

	p, err = NewPID(PIDConfig{Ki: 1, IntegralLimit: 0.5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Next(1, dt), test.ShouldAlmostEqual, 0.5)
	test.That(t, p.Next(1, dt), test.ShouldAlmostEqual, 0.5)
}

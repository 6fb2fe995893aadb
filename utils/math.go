// Package utils contains small numeric helpers shared by controllers.
package utils

import (
	"math"
)

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}

// NormalizeAngle wraps an angle in radians into [-pi, pi).
func NormalizeAngle(angle float64) float64 {
	a := math.Mod(angle+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// ShortestAngularDistance returns the signed angle in [-pi, pi) to add to from to reach to.
func ShortestAngularDistance(from, to float64) float64 {
	return NormalizeAngle(to - from)
}

// JointError returns actual - desired, wrapped for continuous joints.
func JointError(desired, actual float64, continuous bool) float64 {
	if continuous {
		return ShortestAngularDistance(desired, actual)
	}
	return actual - desired
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

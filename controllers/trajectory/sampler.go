package trajectory

import (
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/interp"

	rutils "go.viam.com/ctrlmgr/utils"
)

// Point is one waypoint of a trajectory.
type Point struct {
	TimeFromStart time.Duration `json:"time_from_start"`
	Positions     []float64     `json:"positions"`
}

// sampler interpolates a trajectory linearly per joint. Velocities are the slopes of the
// segments.
type sampler struct {
	start     time.Time
	end       time.Duration
	positions []interp.PiecewiseLinear
	slopes    []interp.PiecewiseConstant
}

func newSampler(start time.Time, points []Point) (*sampler, error) {
	if len(points) < 2 {
		return nil, errors.New("a trajectory needs at least two points")
	}
	n := len(points[0].Positions)
	xs := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.TimeFromStart.Seconds()
	}
	s := &sampler{
		start:     start,
		end:       points[len(points)-1].TimeFromStart,
		positions: make([]interp.PiecewiseLinear, n),
		slopes:    make([]interp.PiecewiseConstant, n),
	}
	for j := 0; j < n; j++ {
		ys := make([]float64, len(points))
		vs := make([]float64, len(points))
		for i, p := range points {
			ys[i] = p.Positions[j]
			if i > 0 {
				vs[i] = (ys[i] - ys[i-1]) / (xs[i] - xs[i-1])
			}
		}
		if err := s.positions[j].Fit(xs, ys); err != nil {
			return nil, err
		}
		if err := s.slopes[j].Fit(xs, vs); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// sample returns the desired positions and velocities at now, and the time into the trajectory.
// Past the end it holds the last point with zero velocity.
func (s *sampler) sample(now time.Time) (q, qd []float64, elapsed time.Duration) {
	elapsed = now.Sub(s.start)
	x := elapsed.Seconds()
	q = make([]float64, len(s.positions))
	qd = make([]float64, len(s.positions))
	for j := range s.positions {
		q[j] = s.positions[j].Predict(x)
		if elapsed > 0 && elapsed < s.end {
			qd[j] = s.slopes[j].Predict(x)
		}
	}
	return q, qd, elapsed
}

// windup rewrites the positions of continuous joints so that consecutive points differ by the
// shortest angular distance. The first point is left as is.
func windup(continuous []bool, points []Point) {
	for i := 1; i < len(points); i++ {
		for j, c := range continuous {
			if !c {
				continue
			}
			prev := points[i-1].Positions[j]
			points[i].Positions[j] = prev + rutils.ShortestAngularDistance(prev, points[i].Positions[j])
		}
	}
}

func validatePoints(points []Point, joints int) error {
	for i, p := range points {
		if len(p.Positions) != joints {
			return errors.Errorf("point %d has %d positions for %d joints", i, len(p.Positions), joints)
		}
		if p.TimeFromStart < 0 {
			return errors.Errorf("point %d has a negative time_from_start", i)
		}
		if i > 0 && p.TimeFromStart <= points[i-1].TimeFromStart {
			return errors.Errorf("point %d is not after point %d", i, i-1)
		}
	}
	return nil
}

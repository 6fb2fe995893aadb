package batch

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/manager"
)

type step struct {
	name   string
	action Action
}

func (s *Server) execute(ctx context.Context, t *task) {
	s.mu.Lock()
	if t.state == Submitted {
		t.state = Executing
	}
	s.mu.Unlock()

	steps := make([]step, 0, len(t.req.Stop)+len(t.req.Start))
	for _, name := range t.req.Stop {
		steps = append(steps, step{name, ActionStop})
	}
	for _, name := range t.req.Start {
		steps = append(steps, step{name, ActionStart})
	}

	if t.req.IsQuery() {
		s.logger.CDebugw(ctx, "batch request is a state query", "id", t.id)
	}
	result := &Result{Outcomes: make([]Outcome, 0, len(steps))}
	for _, st := range steps {
		if t.cancel.Load() || ctx.Err() != nil {
			result.Cancelled = true
			result.Outcomes = append(result.Outcomes, Outcome{
				Name:   st.name,
				Action: st.action,
				Status: Cancelled,
				Error:  controller.ErrCancelled.Error(),
			})
			continue
		}
		result.Outcomes = append(result.Outcomes, s.apply(ctx, t.req, st))
	}
	result.Controllers = s.mgr.State()

	s.mu.Lock()
	t.state = Completed
	t.completedAt = s.clk.Now()
	t.result = result
	s.mu.Unlock()
	close(t.done)

	status := Completed.String()
	if result.Cancelled {
		status = string(Cancelled)
	}
	s.observe(status)
	s.logger.CDebugw(ctx, "batch request completed", "id", t.id, "outcomes", result.Outcomes, "cancelled", result.Cancelled)
}

func (s *Server) apply(ctx context.Context, req Request, st step) Outcome {
	outcome := Outcome{Name: st.name, Action: st.action, Status: Succeeded}
	var err error
	switch st.action {
	case ActionStop:
		err = s.mgr.RequestStop(ctx, st.name)
	case ActionStart:
		if err = s.loadIfNeeded(ctx, req, st.name); err != nil {
			break
		}
		var report manager.StartReport
		report, err = s.mgr.RequestStart(ctx, st.name)
		outcome.Preempted = report.Preempted
	default:
		err = errors.Errorf("unknown action %q", st.action)
	}
	if err != nil {
		outcome.Status = Failed
		outcome.Error = err.Error()
		s.logger.CWarnw(ctx, "batch step failed", "controller", st.name, "action", st.action, "error", err)
	}
	return outcome
}

// loadIfNeeded loads an unknown controller named in req.Types before starting it.
func (s *Server) loadIfNeeded(ctx context.Context, req Request, name string) error {
	if _, ok := s.mgr.Find(name); ok {
		return nil
	}
	typ, ok := req.Types[name]
	if !ok {
		return controller.NewNotFoundError(name)
	}
	s.logger.CDebugw(ctx, "loading controller on demand", "controller", name, "type", typ)
	return s.mgr.LoadType(ctx, name, typ)
}

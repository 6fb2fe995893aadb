package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"goji.io/pat"

	"go.viam.com/ctrlmgr/batch"
	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/controllers/position"
	"go.viam.com/ctrlmgr/controllers/trajectory"
	"go.viam.com/ctrlmgr/handle"
)

// errBadRequest marks malformed requests.
var errBadRequest = errors.New("bad request")

// SubmitResponse is returned when a batch request is accepted.
type SubmitResponse struct {
	ID uuid.UUID `json:"id"`
}

// TrajectoryRequest hands a trajectory to a follow_joint_trajectory controller.
type TrajectoryRequest struct {
	Points []trajectory.Point `json:"points"`
}

// TrajectoryResponse reports the trajectory controller after a request.
type TrajectoryResponse struct {
	Status trajectory.Status `json:"status"`
	// Preempted lists the controllers stopped to start the trajectory controller.
	Preempted []string `json:"preempted,omitempty"`
}

// TargetRequest moves one joint target of a position controller.
type TargetRequest struct {
	Joint    string  `json:"joint"`
	Position float64 `json:"position"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrNotFound), errors.Is(err, batch.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrInvalidRequest), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (svc *Service) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		svc.logger.Warnw("cannot write response", "error", err)
	}
}

func (svc *Service) writeError(w http.ResponseWriter, err error) {
	svc.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "cannot decode body: %v", err)
	}
	return nil
}

func taskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(pat.Param(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Wrapf(errBadRequest, "invalid task id: %v", err)
	}
	return id, nil
}

func (svc *Service) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := decode(r, &req); err != nil {
		svc.writeError(w, err)
		return
	}
	id, err := svc.batches.Submit(r.Context(), req)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	svc.writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (svc *Service) listBatches(w http.ResponseWriter, r *http.Request) {
	svc.writeJSON(w, http.StatusOK, svc.batches.Tasks())
}

func (svc *Service) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	info, err := svc.batches.Get(id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	svc.writeJSON(w, http.StatusOK, info)
}

func (svc *Service) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	if err := svc.batches.Cancel(id); err != nil {
		svc.writeError(w, err)
		return
	}
	info, err := svc.batches.Get(id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	svc.writeJSON(w, http.StatusAccepted, info)
}

// batchResult waits up to the wait query parameter for the task to complete. It answers 200 with
// the completed task, or 202 with the task still in progress.
func (svc *Service) batchResult(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	wait := svc.options.MaxWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		if wait, err = time.ParseDuration(raw); err != nil || wait < 0 {
			svc.writeError(w, errors.Wrapf(errBadRequest, "invalid wait %q", raw))
			return
		}
		if wait > svc.options.MaxWait {
			wait = svc.options.MaxWait
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	if _, err := svc.batches.Result(ctx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		svc.writeError(w, err)
		return
	}
	info, err := svc.batches.Get(id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	status := http.StatusOK
	if info.State != batch.Completed {
		status = http.StatusAccepted
	}
	svc.writeJSON(w, status, info)
}

func (svc *Service) listControllers(w http.ResponseWriter, r *http.Request) {
	svc.writeJSON(w, http.StatusOK, svc.mgr.State())
}

func (svc *Service) reset(w http.ResponseWriter, r *http.Request) {
	if err := svc.mgr.Reset(r.Context()); err != nil {
		svc.writeError(w, err)
		return
	}
	svc.writeJSON(w, http.StatusOK, svc.mgr.State())
}

func (svc *Service) trajectoryController(r *http.Request) (*trajectory.Controller, error) {
	name := pat.Param(r, "name")
	ctrl, ok := svc.mgr.Find(name)
	if !ok {
		return nil, controller.NewNotFoundError(name)
	}
	traj, ok := ctrl.(*trajectory.Controller)
	if !ok {
		return nil, errors.Wrapf(errBadRequest, "controller %q is a %s controller, not %s", name, ctrl.Type(), trajectory.Type)
	}
	return traj, nil
}

// executeTrajectory hands the points to the controller and starts it unless it is already
// Active.
func (svc *Service) executeTrajectory(w http.ResponseWriter, r *http.Request) {
	traj, err := svc.trajectoryController(r)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	var req TrajectoryRequest
	if err := decode(r, &req); err != nil {
		svc.writeError(w, err)
		return
	}
	if err := traj.Execute(r.Context(), req.Points); err != nil {
		svc.writeError(w, errors.Wrapf(errBadRequest, "%v", err))
		return
	}

	var resp TrajectoryResponse
	if len(req.Points) > 0 {
		state, err := svc.mgr.StateOf(traj.Name())
		if err != nil {
			svc.writeError(w, err)
			return
		}
		if state != controller.Active {
			report, err := svc.mgr.RequestStart(r.Context(), traj.Name())
			if err != nil {
				svc.writeError(w, err)
				return
			}
			for _, p := range report.Preempted {
				resp.Preempted = append(resp.Preempted, p.Name)
			}
		}
	}
	resp.Status = traj.Status()
	svc.writeJSON(w, http.StatusAccepted, resp)
}

func (svc *Service) trajectoryStatus(w http.ResponseWriter, r *http.Request) {
	traj, err := svc.trajectoryController(r)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	svc.writeJSON(w, http.StatusOK, TrajectoryResponse{Status: traj.Status()})
}

func (svc *Service) setTarget(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	ctrl, ok := svc.mgr.Find(name)
	if !ok {
		svc.writeError(w, controller.NewNotFoundError(name))
		return
	}
	pos, ok := ctrl.(*position.Controller)
	if !ok {
		svc.writeError(w, errors.Wrapf(errBadRequest, "controller %q is a %s controller, not %s", name, ctrl.Type(), position.Type))
		return
	}
	var req TargetRequest
	if err := decode(r, &req); err != nil {
		svc.writeError(w, err)
		return
	}
	if err := pos.SetTarget(req.Joint, req.Position); err != nil {
		svc.writeError(w, err)
		return
	}
	svc.writeJSON(w, http.StatusOK, pos.Targets())
}

func (svc *Service) listHandles(w http.ResponseWriter, r *http.Request) {
	svc.writeJSON(w, http.StatusOK, svc.mgr.Handles().Readings())
}

func (svc *Service) getHandle(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	h, ok := svc.mgr.Handles().Lookup(name)
	if !ok {
		svc.writeError(w, controller.NewHandleNotFoundError(name))
		return
	}
	svc.writeJSON(w, http.StatusOK, handle.Read(h))
}

func (svc *Service) loopStats(w http.ResponseWriter, r *http.Request) {
	if svc.loop == nil {
		svc.writeError(w, errors.New("no update loop is running"))
		return
	}
	svc.writeJSON(w, http.StatusOK, svc.loop.Stats())
}

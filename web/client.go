package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/ctrlmgr/batch"
	"go.viam.com/ctrlmgr/control"
	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/controllers/trajectory"
	"go.viam.com/ctrlmgr/handle"
)

// StatusError is returned by the Client for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to a Service.
type Client struct {
	base       string
	httpClient *http.Client
}

// NewClient returns a client for the service at address, either host:port or a full URL.
func NewClient(address string) *Client {
	base := strings.TrimSuffix(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, httpClient: &http.Client{}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		var errResp errorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "cannot decode response")
		}
	}
	return nil
}

// Submit sends a batch request and returns its task id.
func (c *Client) Submit(ctx context.Context, req batch.Request) (uuid.UUID, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/batches", req, &resp)
	return resp.ID, err
}

// Tasks lists the retained batch tasks.
func (c *Client) Tasks(ctx context.Context) ([]batch.TaskInfo, error) {
	var infos []batch.TaskInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/batches", nil, &infos)
	return infos, err
}

// Task returns the current view of a task.
func (c *Client) Task(ctx context.Context, id uuid.UUID) (batch.TaskInfo, error) {
	var info batch.TaskInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/batches/"+id.String(), nil, &info)
	return info, err
}

// Cancel asks the service to cancel a task.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (batch.TaskInfo, error) {
	var info batch.TaskInfo
	err := c.do(ctx, http.MethodDelete, "/api/v1/batches/"+id.String(), nil, &info)
	return info, err
}

// Wait waits up to wait for the task to complete and returns it. The returned task is not
// Completed if the wait ran out first.
func (c *Client) Wait(ctx context.Context, id uuid.UUID, wait time.Duration) (batch.TaskInfo, error) {
	var info batch.TaskInfo
	path := "/api/v1/batches/" + id.String() + "/result?wait=" + url.QueryEscape(wait.String())
	err := c.do(ctx, http.MethodGet, path, nil, &info)
	return info, err
}

// Controllers returns the controller snapshot.
func (c *Client) Controllers(ctx context.Context) ([]controller.Status, error) {
	var statuses []controller.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/controllers", nil, &statuses)
	return statuses, err
}

// Reset stops and resets every controller.
func (c *Client) Reset(ctx context.Context) ([]controller.Status, error) {
	var statuses []controller.Status
	err := c.do(ctx, http.MethodPost, "/api/v1/reset", nil, &statuses)
	return statuses, err
}

// ExecuteTrajectory hands points to a trajectory controller, starting it if needed.
func (c *Client) ExecuteTrajectory(ctx context.Context, name string, points []trajectory.Point) (TrajectoryResponse, error) {
	var resp TrajectoryResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/controllers/"+url.PathEscape(name)+"/trajectory",
		TrajectoryRequest{Points: points}, &resp)
	return resp, err
}

// TrajectoryStatus returns the state of a trajectory controller's latest trajectory.
func (c *Client) TrajectoryStatus(ctx context.Context, name string) (trajectory.Status, error) {
	var resp TrajectoryResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/controllers/"+url.PathEscape(name)+"/trajectory", nil, &resp)
	return resp.Status, err
}

// SetTarget moves one joint target of a position controller and returns all its targets.
func (c *Client) SetTarget(ctx context.Context, name, joint string, position float64) (map[string]float64, error) {
	var targets map[string]float64
	err := c.do(ctx, http.MethodPost, "/api/v1/controllers/"+url.PathEscape(name)+"/target",
		TargetRequest{Joint: joint, Position: position}, &targets)
	return targets, err
}

// Handles returns every handle reading.
func (c *Client) Handles(ctx context.Context) ([]handle.Reading, error) {
	var readings []handle.Reading
	err := c.do(ctx, http.MethodGet, "/api/v1/handles", nil, &readings)
	return readings, err
}

// Handle returns one handle reading.
func (c *Client) Handle(ctx context.Context, name string) (handle.Reading, error) {
	var reading handle.Reading
	err := c.do(ctx, http.MethodGet, "/api/v1/handles/"+url.PathEscape(name), nil, &reading)
	return reading, err
}

// LoopStats returns the update loop statistics.
func (c *Client) LoopStats(ctx context.Context) (control.LoopStats, error) {
	var stats control.LoopStats
	err := c.do(ctx, http.MethodGet, "/api/v1/loop", nil, &stats)
	return stats, err
}

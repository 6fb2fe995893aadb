package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/ctrlmgr/batch"
	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/controllers/trajectory"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/web"
)

func newClient(c *cli.Context) *web.Client {
	return web.NewClient(c.String(flagAddress))
}

func colorState(s controller.State) string {
	switch s {
	case controller.Active:
		return color.GreenString(s.String())
	case controller.Stopped:
		return color.YellowString(s.String())
	case controller.Uninitialized:
		return color.RedString(s.String())
	default:
		return s.String()
	}
}

func colorOutcome(s batch.OutcomeStatus) string {
	switch s {
	case batch.Succeeded:
		return color.GreenString(string(s))
	case batch.Failed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func printControllers(w io.Writer, statuses []controller.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Type", "State", "Claimed", "Faults"})
	for _, s := range statuses {
		t.AppendRow(table.Row{s.Name, s.Type, colorState(s.State), strings.Join(s.Claimed, ", "), s.Faults})
	}
	t.Render()
}

func printTask(w io.Writer, info batch.TaskInfo) {
	fmt.Fprintf(w, "task %s: %s\n", info.ID, info.State)
	if info.Result == nil {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Controller", "Action", "Status", "Preempted", "Error"})
	for _, o := range info.Result.Outcomes {
		preempted := make([]string, 0, len(o.Preempted))
		for _, p := range o.Preempted {
			preempted = append(preempted, p.Name)
		}
		t.AppendRow(table.Row{o.Name, o.Action, colorOutcome(o.Status), strings.Join(preempted, ", "), o.Error})
	}
	t.Render()
	printControllers(w, info.Result.Controllers)
}

func queryAction(c *cli.Context) error {
	statuses, err := newClient(c).Controllers(c.Context)
	if err != nil {
		return err
	}
	printControllers(c.App.Writer, statuses)
	return nil
}

func parseTypes(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	types := make(map[string]string, len(specs))
	for _, spec := range specs {
		name, typ, ok := strings.Cut(spec, "=")
		if !ok || name == "" || typ == "" {
			return nil, errors.Errorf("invalid --%s %q, expected NAME=TYPE", flagType, spec)
		}
		types[name] = typ
	}
	return types, nil
}

func switchAction(c *cli.Context) error {
	types, err := parseTypes(c.StringSlice(flagType))
	if err != nil {
		return err
	}
	client := newClient(c)
	req := batch.Request{
		Stop:  c.StringSlice(flagStop),
		Start: c.StringSlice(flagStart),
		Types: types,
		Debug: c.Bool(flagDebug),
	}
	id, err := client.Submit(c.Context, req)
	if err != nil {
		return err
	}
	wait := c.Duration(flagWait)
	if wait <= 0 {
		fmt.Fprintln(c.App.Writer, id)
		return nil
	}
	info, err := client.Wait(c.Context, id, wait)
	if err != nil {
		return err
	}
	printTask(c.App.Writer, info)
	if info.State != batch.Completed {
		return errors.Errorf("task %s did not complete within %v", id, wait)
	}
	return nil
}

func tasksAction(c *cli.Context) error {
	infos, err := newClient(c).Tasks(c.Context)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"ID", "State", "Stop", "Start", "Submitted"})
	for _, info := range infos {
		t.AppendRow(table.Row{
			info.ID, info.State, strings.Join(info.Request.Stop, ", "), strings.Join(info.Request.Start, ", "),
			info.SubmittedAt.Format(time.RFC3339),
		})
	}
	t.Render()
	return nil
}

func cancelAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("cancel needs exactly one task id")
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return errors.Wrap(err, "invalid task id")
	}
	info, err := newClient(c).Cancel(c.Context, id)
	if err != nil {
		return err
	}
	printTask(c.App.Writer, info)
	return nil
}

func resetAction(c *cli.Context) error {
	statuses, err := newClient(c).Reset(c.Context)
	if err != nil {
		return err
	}
	printControllers(c.App.Writer, statuses)
	return nil
}

func handlesAction(c *cli.Context) error {
	client := newClient(c)
	var readings []handle.Reading
	if c.NArg() > 0 {
		reading, err := client.Handle(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		readings = append(readings, reading)
	} else {
		var err error
		if readings, err = client.Handles(c.Context); err != nil {
			return err
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Name", "Kind", "Position", "Velocity", "Effort", "Command"})
	for _, r := range readings {
		switch r.Kind {
		case handle.KindJoint:
			command := r.CommandMode
			if r.Command != nil && r.Command.Mode != handle.CommandNone {
				command = fmt.Sprintf("%s p=%.4f v=%.4f e=%.4f", r.CommandMode, r.Command.Position, r.Command.Velocity, r.Command.Effort)
			}
			t.AppendRow(table.Row{r.Name, r.Kind, fmt.Sprintf("%.4f", r.Position), fmt.Sprintf("%.4f", r.Velocity),
				fmt.Sprintf("%.4f", r.Effort), command})
		case handle.KindGyro:
			var rate string
			if r.AngularVelocity != nil {
				rate = fmt.Sprintf("ω=(%.4f, %.4f, %.4f)", r.AngularVelocity.X, r.AngularVelocity.Y, r.AngularVelocity.Z)
			}
			t.AppendRow(table.Row{r.Name, r.Kind, "", rate, "", ""})
		default:
			t.AppendRow(table.Row{r.Name, r.Kind})
		}
	}
	t.Render()
	return nil
}

func statsAction(c *cli.Context) error {
	stats, err := newClient(c).LoopStats(c.Context)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendRows([]table.Row{
		{"rate", fmt.Sprintf("%.1f Hz", stats.RateHz)},
		{"period", stats.Period},
		{"running", stats.Running},
		{"ticks", stats.Ticks},
		{"overruns", stats.Overruns},
		{"mean tick", stats.MeanDuration},
		{"p99 tick", stats.P99Duration},
		{"max tick", stats.MaxDuration},
		{"jitter", stats.Jitter},
	})
	t.Render()
	return nil
}

// parsePoint parses "TIME:POS POS ..." where TIME is a duration or a number of seconds. Commas
// are taken by the slice flag, so positions are separated by spaces.
func parsePoint(spec string) (trajectory.Point, error) {
	rawTime, rawPositions, ok := strings.Cut(spec, ":")
	if !ok {
		return trajectory.Point{}, errors.Errorf("invalid point %q, expected TIME:POS POS ...", spec)
	}
	at, err := time.ParseDuration(rawTime)
	if err != nil {
		seconds, floatErr := strconv.ParseFloat(rawTime, 64)
		if floatErr != nil {
			return trajectory.Point{}, errors.Wrapf(err, "invalid time in point %q", spec)
		}
		at = time.Duration(seconds * float64(time.Second))
	}
	var positions []float64
	for _, raw := range strings.Fields(rawPositions) {
		pos, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return trajectory.Point{}, errors.Wrapf(err, "invalid position in point %q", spec)
		}
		positions = append(positions, pos)
	}
	if len(positions) == 0 {
		return trajectory.Point{}, errors.Errorf("point %q has no positions", spec)
	}
	return trajectory.Point{TimeFromStart: at, Positions: positions}, nil
}

func trajectoryAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("trajectory needs exactly one controller name")
	}
	var points []trajectory.Point
	for _, spec := range c.StringSlice(flagPoint) {
		p, err := parsePoint(spec)
		if err != nil {
			return err
		}
		points = append(points, p)
	}
	resp, err := newClient(c).ExecuteTrajectory(c.Context, c.Args().First(), points)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "trajectory %s\n", resp.Status.State)
	if len(resp.Preempted) > 0 {
		fmt.Fprintf(c.App.Writer, "preempted %s\n", strings.Join(resp.Preempted, ", "))
	}
	return nil
}

func targetAction(c *cli.Context) error {
	if c.NArg() != 3 {
		return errors.New("target needs a controller, a joint and a position")
	}
	args := c.Args()
	position, err := strconv.ParseFloat(args.Get(2), 64)
	if err != nil {
		return errors.Wrap(err, "invalid position")
	}
	targets, err := newClient(c).SetTarget(c.Context, args.Get(0), args.Get(1), position)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Joint", "Target"})
	for joint, target := range targets {
		t.AppendRow(table.Row{joint, target})
	}
	t.SortBy([]table.SortBy{{Name: "Joint", Mode: table.Asc}})
	t.Render()
	return nil
}

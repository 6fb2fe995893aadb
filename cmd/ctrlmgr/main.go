// Package main is the ctrlmgr command: it serves a controller manager and talks to a running one.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	// registers all controller types.
	_ "go.viam.com/ctrlmgr/controllers/register"
)

const (
	flagAddress = "address"
	flagConfig  = "config"
	flagDebug   = "debug"
	flagStart   = "start"
	flagStop    = "stop"
	flagType    = "type"
	flagWait    = "wait"
	flagPoint   = "point"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:            "ctrlmgr",
		Usage:           "run and drive a robot controller manager",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagAddress,
				Aliases: []string{"a"},
				Value:   "localhost:8080",
				EnvVars: []string{"CTRLMGR_ADDRESS"},
				Usage:   "address of the manager to talk to",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run a controller manager over a simulated plant",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Required: true,
						Usage:    "load configuration from `FILE`",
					},
				},
				Action: serveAction,
			},
			{
				Name:   "query",
				Usage:  "list the loaded controllers and their states",
				Action: queryAction,
			},
			{
				Name:      "switch",
				Usage:     "stop and start controllers in one request",
				UsageText: "ctrlmgr switch --stop a --start b,c [--type c=position] [--wait 5s]",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: flagStop, Usage: "controllers to stop, in order"},
					&cli.StringSliceFlag{Name: flagStart, Usage: "controllers to start, in order"},
					&cli.StringSliceFlag{Name: flagType, Usage: "load a started controller as `NAME=TYPE` if it is not loaded"},
					&cli.DurationFlag{Name: flagWait, Usage: "wait up to this long for the request to complete"},
				},
				Action: switchAction,
			},
			{
				Name:      "tasks",
				Usage:     "list recent switch requests",
				Action:    tasksAction,
				ArgsUsage: " ",
			},
			{
				Name:      "cancel",
				Usage:     "cancel a switch request",
				ArgsUsage: "<id>",
				Action:    cancelAction,
			},
			{
				Name:   "reset",
				Usage:  "stop and reset every controller",
				Action: resetAction,
			},
			{
				Name:      "handles",
				Usage:     "show handle readings",
				ArgsUsage: "[name]",
				Action:    handlesAction,
			},
			{
				Name:   "stats",
				Usage:  "show update loop timing",
				Action: statsAction,
			},
			{
				Name:      "trajectory",
				Usage:     "send a trajectory to a follow_joint_trajectory controller",
				ArgsUsage: "<controller>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  flagPoint,
						Usage: "waypoint as `TIME:POS POS ...`, e.g. \"1.5s:0.1 0.2\"; none stops the controller",
					},
				},
				Action: trajectoryAction,
			},
			{
				Name:      "target",
				Usage:     "move one joint target of a position controller",
				ArgsUsage: "<controller> <joint> <position>",
				Action:    targetAction,
			},
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		cancel()
		os.Exit(1)
	}
}

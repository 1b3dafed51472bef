// Command dvlctl drives a running dvl daemon over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/dvl.link/internal/api"
)

const usageText = `Usage: dvlctl [flags] <command>

Commands:
  enable                 Enable acoustics
  disable                Disable acoustics
  get_config             Print the device configuration
  calibrate_gyro         Calibrate the gyroscope
  reset_dead_reckoning   Reset the dead-reckoning origin
  trigger_ping           Trigger a single ping
  velocity               Print the latest velocity output
  position               Print the latest pose output
  status                 Print session counters and pending commands
`

func run(ctx context.Context, c *api.Client, cmd string, out io.Writer) error {
	var (
		v   any
		err error
	)
	switch cmd {
	case "velocity":
		v, err = c.Velocity(ctx)
	case "position":
		v, err = c.Position(ctx)
	case "status":
		v, err = c.Status(ctx)
	case "enable", "disable", "get_config", "calibrate_gyro", "reset_dead_reckoning", "trigger_ping":
		var reply api.CommandReply
		reply, err = c.Command(ctx, cmd)
		if err == nil && !reply.Success {
			err = fmt.Errorf("%s rejected by device: %s", cmd, reply.Message)
		}
		v = reply
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Base URL of the dvl daemon")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, api.NewClient(*addr, nil), flag.Arg(0), os.Stdout); err != nil {
		log.Fatalf("dvlctl: %v", err)
	}
}

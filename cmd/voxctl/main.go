package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/controlclient"
	"github.com/ent0n29/voxroom/internal/logging"
	"github.com/ent0n29/voxroom/internal/protocol"
)

const usage = `usage: voxctl [global flags] <command> [flags]

commands:
  start   -room NAME [-instructions TEXT] [-voice ID] [-debug]
  status  -room NAME
  list
  remove  -room NAME
  health
  call    -room NAME -token TOKEN [-transport-url URL] [-participant NAME] [-duration D]
          [-agent] [-record FILE.wav] [-sample-rate HZ]
`

type globals struct {
	baseURL string
	timeout time.Duration
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("voxctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	fs.StringVar(&g.baseURL, "base-url", envOr("VOXROOM_URL", "http://127.0.0.1:8080"), "control plane base URL")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall request timeout")
	fs.BoolVar(&g.verbose, "verbose", false, "log retries to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	logger := zerolog.Nop()
	if g.verbose {
		logger = logging.New(logging.Options{Level: "debug", Pretty: true, Service: "voxctl", Out: stderr})
	}
	client, err := controlclient.New(g.baseURL, controlclient.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "voxctl: %v\n", err)
		return 2
	}

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "call" {
		err = runCall(ctx, client, cmdArgs, stdout, stderr, logger)
	} else {
		reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		err = runCommand(reqCtx, client, cmd, cmdArgs, stdout, stderr)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "voxctl: %v\n", err)
		return 1
	}
}

var errUsage = errors.New("usage")

func runCommand(ctx context.Context, client *controlclient.Client, cmd string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	room := fs.String("room", "", "room name")
	switch cmd {
	case "start":
		instructions := fs.String("instructions", "", "agent instructions")
		voice := fs.String("voice", "", "voice profile")
		debug := fs.Bool("debug", false, "start the worker in debug mode")
		if err := parseRoom(fs, args, room, true); err != nil {
			return err
		}
		resp, err := client.StartVoiceAgent(ctx, protocol.StartRequest{
			RoomName:     *room,
			Instructions: *instructions,
			VoiceProfile: *voice,
			Debug:        *debug,
		})
		if err != nil {
			return err
		}
		return printJSON(stdout, resp)
	case "status":
		if err := parseRoom(fs, args, room, true); err != nil {
			return err
		}
		sess, err := client.GetStatus(ctx, *room)
		if err != nil {
			return err
		}
		return printJSON(stdout, sess)
	case "list":
		if err := parseRoom(fs, args, room, false); err != nil {
			return err
		}
		sessions, err := client.ListActiveSessions(ctx)
		if err != nil {
			return err
		}
		if sessions == nil {
			sessions = []protocol.Session{}
		}
		return printJSON(stdout, sessions)
	case "remove":
		if err := parseRoom(fs, args, room, true); err != nil {
			return err
		}
		removed, err := client.RemoveAgent(ctx, *room)
		if err != nil {
			return err
		}
		return printJSON(stdout, protocol.RemoveResponse{Success: true, Removed: removed})
	case "health":
		if err := parseRoom(fs, args, room, false); err != nil {
			return err
		}
		report, err := client.CheckHealth(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(stdout, report); err != nil {
			return err
		}
		if !report.Success {
			return errors.New("backend unhealthy")
		}
		return nil
	default:
		fmt.Fprintf(stderr, "voxctl: unknown command %q\n%s", cmd, usage)
		return errUsage
	}
}

func parseRoom(fs *flag.FlagSet, args []string, room *string, required bool) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	*room = strings.TrimSpace(*room)
	if required && *room == "" {
		fmt.Fprintf(fs.Output(), "voxctl %s: -room is required\n", fs.Name())
		return errUsage
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

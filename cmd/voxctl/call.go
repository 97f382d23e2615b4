package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/audio"
	"github.com/ent0n29/voxroom/internal/call"
	"github.com/ent0n29/voxroom/internal/call/wstransport"
	"github.com/ent0n29/voxroom/internal/controlclient"
	"github.com/ent0n29/voxroom/internal/protocol"
)

// staticCredentials hands out the participant token given on the command line.
type staticCredentials struct {
	room  string
	token string
	url   string
}

func (s staticCredentials) Credential(_ context.Context, roomName, participantName string) (call.Credential, error) {
	return call.Credential{
		RoomName:        s.room,
		ParticipantName: participantName,
		Token:           s.token,
		URL:             s.url,
	}, nil
}

// headlessDevice stands in for a capture device when voxctl joins a room
// without audio.
type headlessDevice struct{}

func (headlessDevice) AcquireMicrophone(context.Context) (call.Microphone, error) {
	return &headlessMic{}, nil
}

type headlessMic struct{ muted atomic.Bool }

func (m *headlessMic) SetMuted(muted bool) error {
	m.muted.Store(muted)
	return nil
}

func (m *headlessMic) Release() {}

type callOptions struct {
	room         string
	participant  string
	token        string
	transportURL string
	duration     time.Duration
	withAgent    bool
	instructions string
	voice        string
	recordPath   string
	sampleRate   int
}

func runCall(ctx context.Context, client *controlclient.Client, args []string, stdout, stderr io.Writer, logger zerolog.Logger) error {
	var opts callOptions
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.room, "room", "", "room name")
	fs.StringVar(&opts.participant, "participant", "voxctl", "participant name")
	fs.StringVar(&opts.token, "token", "", "participant access token")
	fs.StringVar(&opts.transportURL, "transport-url", envOr("VOXROOM_TRANSPORT_URL", ""), "realtime transport websocket URL")
	fs.DurationVar(&opts.duration, "duration", 0, "hang up after this long (0 waits for interrupt)")
	fs.BoolVar(&opts.withAgent, "agent", false, "spawn and start an agent before joining; removed on hang up")
	fs.StringVar(&opts.instructions, "instructions", "", "agent instructions (with -agent)")
	fs.StringVar(&opts.voice, "voice", "", "agent voice profile (with -agent)")
	fs.StringVar(&opts.recordPath, "record", "", "write received room audio to this WAV file")
	fs.IntVar(&opts.sampleRate, "sample-rate", audio.DefaultSampleRate, "sample rate of received PCM16 audio")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	opts.room = strings.TrimSpace(opts.room)
	if opts.room == "" || strings.TrimSpace(opts.token) == "" || strings.TrimSpace(opts.transportURL) == "" {
		fmt.Fprintln(stderr, "voxctl call: -room, -token and -transport-url are required")
		return errUsage
	}

	if opts.withAgent {
		if _, err := client.StartVoiceAgent(ctx, protocol.StartRequest{
			RoomName:     opts.room,
			Instructions: opts.instructions,
			VoiceProfile: opts.voice,
		}); err != nil {
			return err
		}
	}

	dialer := &wstransport.Dialer{Logger: logger}
	var rec *audio.Recorder
	if opts.recordPath != "" {
		rec = audio.NewRecorder()
		dialer.OnAudio = rec.Write
	}

	machine := call.NewMachine(
		staticCredentials{room: opts.room, token: opts.token, url: opts.transportURL},
		headlessDevice{},
		dialer,
		client,
		call.WithLogger(logger),
	)
	callErr := driveCall(ctx, machine, call.CallRequest{
		RoomName:        opts.room,
		ParticipantName: opts.participant,
		AgentAttached:   opts.withAgent,
	}, opts.duration, stdout)
	if opts.withAgent && errors.Is(callErr, errCallNotStarted) {
		// The machine never owned the agent, so it will not remove it.
		callErr = errors.Join(callErr, releaseAgent(client, opts.room))
	}

	if rec != nil {
		if err := rec.SaveFile(opts.recordPath, opts.sampleRate); err != nil {
			return errors.Join(callErr, fmt.Errorf("save recording: %w", err))
		}
		n, dropped := rec.Stats()
		fmt.Fprintf(stdout, "recorded %d bytes to %s (%d frames dropped)\n", n, opts.recordPath, dropped)
	}
	return callErr
}

var errCallNotStarted = errors.New("call not started")

type agentRemover interface {
	RemoveAgent(ctx context.Context, roomName string) (bool, error)
}

// releaseAgent removes an agent started for a call that never began.
func releaseAgent(remover agentRemover, roomName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := remover.RemoveAgent(ctx, roomName); err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	return nil
}

// driveCall runs one call to completion, printing each state change. The call
// is hung up when ctx ends or after duration. It returns errCallNotStarted when
// the call was never placed.
func driveCall(ctx context.Context, machine *call.Machine, req call.CallRequest, duration time.Duration, stdout io.Writer) error {
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() { _ = machine.Run(runCtx) }()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errCallNotStarted, err)
	}
	if err := machine.StartCall(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", errCallNotStarted, err)
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	hangUp := func() error {
		endCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := machine.EndCall(endCtx); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "call ended in %s\n", req.RoomName)
		return nil
	}

	last := call.State("")
	for {
		select {
		case <-ctx.Done():
			return hangUp()
		case <-deadline:
			return hangUp()
		case snap := <-machine.Updates():
			state := snap.State
			if snap.Preparing {
				state = "preparing"
			}
			if state != last {
				fmt.Fprintf(stdout, "%s %s\n", state, snap.RoomName)
				last = state
			}
			if snap.State == call.StateDisconnected && !snap.Preparing && snap.LastError != nil {
				// Agent removal already ran inside the machine.
				fmt.Fprintln(stdout, snap.Message)
				_ = hangUp()
				return snap.LastError
			}
		}
	}
}

package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external command per utterance. The request is written
// to stdin as JSON. The command may print JSON status lines on stdout; the
// last one decides the event, otherwise exit status 0 means end.
type ExecEngine struct {
	cmd []string

	mu      sync.Mutex
	active  *exec.Cmd
	stopped bool
}

type execRequest struct {
	Text   string   `json:"text"`
	Voice  string   `json:"voice"`
	Volume *float64 `json:"volume,omitempty"`
}

type execStatus struct {
	Event string `json:"event"`
	Error string `json:"error,omitempty"`
}

func NewExecEngine(command string) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("speech command empty")
	}
	return &ExecEngine{cmd: args}, nil
}

func (e *ExecEngine) Speak(ctx context.Context, req Request) (Event, error) {
	data, err := json.Marshal(execRequest{Text: req.Text, Voice: req.VoiceURI, Volume: req.Volume})
	if err != nil {
		return Event{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Event{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Event{}, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return Event{}, ErrBusy
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return Event{}, fmt.Errorf("start speech command: %w", err)
	}
	e.active = cmd
	e.stopped = false
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Event{}, fmt.Errorf("write speech request: %w", err)
	}
	stdin.Close()

	var last *execStatus
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var status execStatus
		if err := json.Unmarshal(line, &status); err != nil {
			continue
		}
		last = &status
	}
	waitErr := cmd.Wait()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()

	switch {
	case stopped:
		return Event{RequestID: req.RequestID, Type: EventCancelled}, nil
	case ctx.Err() != nil:
		return Event{RequestID: req.RequestID, Type: EventInterrupted}, nil
	case last != nil && waitErr == nil:
		return statusEvent(req.RequestID, *last), nil
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return Event{RequestID: req.RequestID, Type: EventError, Error: msg}, nil
	default:
		return Event{RequestID: req.RequestID, Type: EventEnd}, nil
	}
}

func statusEvent(id string, s execStatus) Event {
	switch EventType(s.Event) {
	case EventEnd, EventCancelled, EventInterrupted:
		return Event{RequestID: id, Type: EventType(s.Event)}
	case EventError:
		return Event{RequestID: id, Type: EventError, Error: s.Error}
	default:
		return Event{RequestID: id, Type: EventError, Error: fmt.Sprintf("unknown event %q", s.Event)}
	}
}

// Stop kills the running command, if any.
func (e *ExecEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.Process == nil {
		return nil
	}
	e.stopped = true
	if err := e.active.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill speech command: %w", err)
	}
	return nil
}

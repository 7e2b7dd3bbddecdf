package comm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout is returned when the remote host does not answer in time.
	ErrTimeout = errors.New("comm: timed out waiting for reply")
	// ErrProtocolViolation is returned when a command is sent while another is in flight.
	ErrProtocolViolation = errors.New("comm: command already in flight")
)

// RemoteError is an `error` reply from the remote host.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("comm: remote failed %q", e.Command)
	}
	return fmt.Sprintf("comm: remote failed %q: %s", e.Command, e.Message)
}

// State of the driver side of a Channel.
type State int

const (
	StateIdle State = iota
	StateCommandSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCommandSent:
		return "command-sent"
	case StateAcked:
		return "acked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Channel is the driver side of the protocol. At most one command is in
// flight: Send moves Idle → CommandSent, Clear waits for the reply (Acked)
// and runs the eof handshake back to Idle.
type Channel struct {
	mb           Mailbox
	timeout      time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	state   State
	pending string
}

// NewChannel wraps mb. Zero durations fall back to 2 minutes and 100ms.
func NewChannel(mb Mailbox, timeout, pollInterval time.Duration) *Channel {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Channel{mb: mb, timeout: timeout, pollInterval: pollInterval}
}

// State reports the current protocol state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes cmd into the command slot.
func (c *Channel) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: %q pending, refusing %q", ErrProtocolViolation, c.pending, cmd.String())
	}
	if err := c.mb.WriteCommand(cmd.String()); err != nil {
		return fmt.Errorf("comm: send %q: %w", cmd.String(), err)
	}
	logrus.Debugf("comm: sent %q", cmd.String())
	c.pending = cmd.String()
	c.state = StateCommandSent
	return nil
}

// Clear waits for the reply to the pending command and returns its value.
// An `error` reply is returned as *RemoteError after the handshake completes.
func (c *Channel) Clear(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCommandSent {
		return "", fmt.Errorf("%w: clear in state %s", ErrProtocolViolation, c.state)
	}
	cmd := c.pending
	prefix := cmd + ":"

	var value string
	err := c.poll(ctx, func() (bool, error) {
		res, err := c.mb.ReadReply()
		if err != nil {
			return false, err
		}
		if !strings.HasPrefix(res, prefix) {
			return false, nil
		}
		value = strings.TrimSpace(res[len(prefix):])
		return true, nil
	})
	if err != nil {
		c.reset()
		return "", fmt.Errorf("waiting for reply to %q: %w", cmd, err)
	}
	c.state = StateAcked

	if err := c.handshake(ctx); err != nil {
		c.reset()
		return "", err
	}
	c.reset()

	if value == ReplyError || strings.HasPrefix(value, ReplyError+" ") {
		return "", &RemoteError{Command: cmd, Message: strings.TrimSpace(strings.TrimPrefix(value, ReplyError))}
	}
	return value, nil
}

// Do sends a command and clears it.
func (c *Channel) Do(ctx context.Context, kind Kind, params string) (string, error) {
	if err := c.Send(NewCommand(kind, params)); err != nil {
		return "", err
	}
	return c.Clear(ctx)
}

// handshake sends eof, waits for the remote to echo it, then sends eof again.
func (c *Channel) handshake(ctx context.Context) error {
	if err := c.mb.WriteCommand(EOF.String()); err != nil {
		return fmt.Errorf("comm: send eof: %w", err)
	}
	err := c.poll(ctx, func() (bool, error) {
		res, err := c.mb.ReadReply()
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res) == EOF.String(), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for eof echo: %w", err)
	}
	return c.mb.WriteCommand(EOF.String())
}

func (c *Channel) reset() {
	c.state = StateIdle
	c.pending = ""
}

func (c *Channel) poll(ctx context.Context, check func() (bool, error)) error {
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

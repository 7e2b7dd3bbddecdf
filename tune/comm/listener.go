package comm

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler executes one command on the remote host and returns the reply value.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (string, error) { return f(ctx, cmd) }

// Listener is the remote side: it polls the command slot and answers each
// new command once.
type Listener struct {
	mb           Mailbox
	handler      Handler
	pollInterval time.Duration
	last         string
}

// NewListener returns a listener polling mb every pollInterval.
func NewListener(mb Mailbox, h Handler, pollInterval time.Duration) *Listener {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Listener{mb: mb, handler: h, pollInterval: pollInterval}
}

// Run serves commands until ctx is done. A command left in the slot by an
// earlier listener is not run again when its reply is already in place.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.resume(); err != nil {
		return err
	}
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.Step(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// resume marks the command in the slot as handled when the reply slot
// already answers it.
func (l *Listener) resume() error {
	raw, err := l.mb.ReadCommand()
	if err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	res, err := l.mb.ReadReply()
	if err != nil {
		return err
	}
	res = strings.TrimSpace(res)
	if res == raw || strings.HasPrefix(res, raw+":") {
		logrus.Infof("listener: skipping answered command %q", raw)
		l.last = raw
	}
	return nil
}

// Step handles the current command if it has not been handled yet.
// It reports whether anything was written to the reply slot.
func (l *Listener) Step(ctx context.Context) (bool, error) {
	raw, err := l.mb.ReadCommand()
	if err != nil {
		return false, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == l.last {
		return false, nil
	}
	l.last = raw
	if raw == EOF.String() {
		return true, l.mb.WriteReply(EOF.String())
	}

	cmd, err := ParseCommand(raw)
	if err != nil {
		logrus.Warnf("listener: %v", err)
		return true, l.mb.WriteReply(FormatReply(raw, ReplyError+" "+err.Error()))
	}
	logrus.Infof("listener: handling %s", cmd.Kind)
	value, err := l.handler.Handle(ctx, cmd)
	if err != nil {
		logrus.Warnf("listener: %s failed: %v", cmd.Kind, err)
		value = ReplyError + " " + err.Error()
	}
	return true, l.mb.WriteReply(FormatReply(raw, value))
}

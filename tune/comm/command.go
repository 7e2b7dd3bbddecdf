// Package comm carries commands between the optimizer host and a remote host
// that owns the target server, through a single-slot command/reply mailbox.
package comm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the closed vocabulary of remote commands.
type Kind int

const (
	KindEOF Kind = iota
	KindInit
	KindUpdate
	KindStart
	KindHealth
	KindPoll
	KindStop
	KindBackup
)

var kindNames = map[Kind]string{
	KindEOF:    "eof",
	KindInit:   "init",
	KindUpdate: "update",
	KindStart:  "start",
	KindHealth: "health",
	KindPoll:   "process_poll",
	KindStop:   "stop",
	KindBackup: "backup",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a command name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("comm: unknown command %q", s)
}

// Reply values with a fixed meaning. Anything else is returned verbatim.
const (
	ReplyDone  = "done"
	ReplyTrue  = "true"
	ReplyFalse = "false"
	ReplyNone  = "none"
	ReplyError = "error"
)

const paramsMarker = " params:"

// Command is one request to the remote host. ID is a nonce that makes
// consecutive identical requests distinguishable.
type Command struct {
	Kind   Kind
	ID     string
	Params string
}

// NewCommand stamps a fresh nonce.
func NewCommand(kind Kind, params string) Command {
	return Command{Kind: kind, ID: uuid.NewString(), Params: params}
}

// EOF is the idle token of both slots.
var EOF = Command{Kind: KindEOF}

// String encodes the command as `<name> <id>[ params:<p>]`, or `eof`.
func (c Command) String() string {
	if c.Kind == KindEOF {
		return KindEOF.String()
	}
	s := c.Kind.String() + " " + c.ID
	if c.Params != "" {
		s += paramsMarker + c.Params
	}
	return s
}

// ParseCommand decodes the output of Command.String.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if s == KindEOF.String() {
		return EOF, nil
	}
	name, rest, ok := strings.Cut(s, " ")
	if !ok || rest == "" {
		return Command{}, fmt.Errorf("comm: malformed command %q", s)
	}
	kind, err := ParseKind(name)
	if err != nil {
		return Command{}, err
	}
	c := Command{Kind: kind, ID: rest}
	if id, params, found := strings.Cut(rest, paramsMarker); found {
		c.ID, c.Params = id, params
	}
	return c, nil
}

// FormatReply encodes a reply as `<command>:<value>`.
func FormatReply(cmd, value string) string {
	return cmd + ":" + value
}

// ParseReply splits a reply at its last colon.
func ParseReply(s string) (cmd, value string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

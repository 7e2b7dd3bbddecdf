package comm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Mailbox holds the two single-value slots: the command written by the
// driver and the reply written by the remote host. Writes overwrite.
// Reads of an empty slot return "".
type Mailbox interface {
	WriteCommand(s string) error
	ReadCommand() (string, error)
	WriteReply(s string) error
	ReadReply() (string, error)
}

// FileMailbox stores each slot in a file on a shared filesystem, guarded by
// an advisory lock on a sibling ".lock" file.
type FileMailbox struct {
	CmdFile string
	ResFile string
}

// NewFileMailbox creates the parent directories and the lock files.
// Existing lock files are left untouched.
func NewFileMailbox(cmdFile, resFile string) (*FileMailbox, error) {
	for _, p := range []string{cmdFile, resFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("comm: creating mailbox dir: %w", err)
		}
		f, err := os.OpenFile(lockPath(p), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("comm: creating lock file: %w", err)
		}
		f.Close()
	}
	return &FileMailbox{CmdFile: cmdFile, ResFile: resFile}, nil
}

func lockPath(p string) string { return p + ".lock" }

func (m *FileMailbox) WriteCommand(s string) error  { return writeLocked(m.CmdFile, s) }
func (m *FileMailbox) ReadCommand() (string, error) { return readLocked(m.CmdFile) }
func (m *FileMailbox) WriteReply(s string) error    { return writeLocked(m.ResFile, s) }
func (m *FileMailbox) ReadReply() (string, error)   { return readLocked(m.ResFile) }

func withLock(path string, how int, fn func() error) error {
	f, err := os.OpenFile(lockPath(path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("comm: opening lock: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return fmt.Errorf("comm: flock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck
	return fn()
}

func writeLocked(path, s string) error {
	return withLock(path, unix.LOCK_EX, func() error {
		return os.WriteFile(path, []byte(s), 0o644)
	})
}

func readLocked(path string) (string, error) {
	var out string
	err := withLock(path, unix.LOCK_SH, func() error {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		out = string(data)
		return nil
	})
	return out, err
}

// MemoryMailbox is an in-process Mailbox for tests and single-host wiring.
type MemoryMailbox struct {
	mu  sync.Mutex
	cmd string
	res string
}

func (m *MemoryMailbox) WriteCommand(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmd = s
	return nil
}

func (m *MemoryMailbox) ReadCommand() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd, nil
}

func (m *MemoryMailbox) WriteReply(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.res = s
	return nil
}

func (m *MemoryMailbox) ReadReply() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res, nil
}

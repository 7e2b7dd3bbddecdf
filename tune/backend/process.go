package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/archive"
)

// LogFileName is the server log written inside the work dir.
const LogFileName = "server.log"

// Process runs the target server as a local subprocess in its own process group.
type Process struct {
	settings tune.ServerSettings
	base     []string
	probe    *Probe

	mu        sync.Mutex
	launch    Launch
	cmd       *exec.Cmd
	done      chan struct{}
	exitCode  *int
	backupDir string
	stopping  bool
}

// NewProcess builds a subprocess server. An empty server.command runs
// `vllm serve <model>`.
func NewProcess(s tune.ServerSettings) (*Process, error) {
	var base []string
	if s.Command != "" {
		base = strings.Fields(s.Command)
	} else {
		vllm, err := VllmCommand()
		if err != nil {
			return nil, err
		}
		base = []string{vllm, "serve", s.Model}
	}
	base = append(base, portArgs(s)...)
	if s.WorkDir == "" {
		s.WorkDir = "."
	}
	return &Process{
		settings: s,
		base:     base,
		probe:    NewProbe(fmt.Sprintf("http://%s:%d", s.Host, s.Port), s.HealthPath),
	}, nil
}

// LogPath is where the server's combined output goes.
func (p *Process) LogPath() string {
	return filepath.Join(p.settings.WorkDir, LogFileName)
}

func (p *Process) UpdateConfig(params tune.Params) error {
	l, err := BuildLaunch(p.settings, p.base, params)
	if err != nil {
		return err
	}
	if err := l.WriteConfig(p.settings.ConfigPath); err != nil {
		return err
	}
	p.mu.Lock()
	p.launch = l
	p.mu.Unlock()
	return nil
}

func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process: already running")
	}
	if len(p.launch.Args) == 0 {
		return errors.New("process: no configuration applied")
	}
	if err := os.MkdirAll(p.settings.WorkDir, 0o755); err != nil {
		return fmt.Errorf("process: %w", err)
	}
	logFile, err := os.Create(p.LogPath())
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	cmd := exec.Command(p.launch.Args[0], p.launch.Args[1:]...)
	cmd.Dir = p.settings.WorkDir
	cmd.Env = append(os.Environ(), p.launch.EnvList()...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("process: starting %s: %w", p.launch.Args[0], err)
	}
	logrus.Infof("process: started %s (pid %d)", strings.Join(p.launch.Args, " "), cmd.Process.Pid)

	done := make(chan struct{})
	p.cmd, p.done, p.exitCode, p.stopping = cmd, done, nil, false
	go func() {
		err := cmd.Wait()
		logFile.Close()
		code := cmd.ProcessState.ExitCode()
		if err != nil && code == 0 {
			code = -1
		}
		p.mu.Lock()
		if !p.stopping {
			p.exitCode = &code
		}
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

func (p *Process) Health(ctx context.Context) tune.Health {
	p.mu.Lock()
	running := p.cmd != nil
	exited := p.exitCode != nil
	p.mu.Unlock()
	switch {
	case exited:
		return tune.Health{Stage: tune.StageError, Detail: "process exited"}
	case !running:
		return tune.Health{Stage: tune.StageStopped}
	}
	ok, err := p.probe.TestCurl(ctx)
	if err != nil {
		return tune.Health{Stage: tune.StageError, Detail: err.Error()}
	}
	if ok {
		return tune.Health{Stage: tune.StageRunning}
	}
	return tune.Health{Stage: tune.StageStarting}
}

// Poll returns the exit code of an unexpected exit. Exits caused by Stop are not reported.
func (p *Process) Poll() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) SetBackupDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backupDir = dir
}

// Stop kills the server and backs up its log and config. Stopping a server
// that is not running only honours delLog.
func (p *Process) Stop(ctx context.Context, delLog bool) error {
	p.mu.Lock()
	cmd, done, backup := p.cmd, p.done, p.backupDir
	p.stopping = true
	p.mu.Unlock()

	if cmd == nil {
		if delLog {
			p.removeLog()
		}
		return nil
	}
	err := KillProcessTree(cmd.Process.Pid, p.settings.StopGrace, done)
	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()
	if backup != "" {
		if berr := archive.Backup(p.LogPath(), backup, "server"); berr != nil {
			logrus.Warnf("process: backing up log: %v", berr)
		}
		if p.settings.ConfigPath != "" {
			if berr := archive.Backup(p.settings.ConfigPath, backup, "server"); berr != nil {
				logrus.Warnf("process: backing up config: %v", berr)
			}
		}
	}
	if delLog {
		p.removeLog()
	}
	return err
}

func (p *Process) removeLog() {
	if err := os.Remove(p.LogPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("process: removing log: %v", err)
	}
}

// KillProcessTree sends SIGTERM to the process group of pid, waits up to
// grace for done, then sends SIGKILL and waits for done.
func KillProcessTree(pid int, grace time.Duration, done <-chan struct{}) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: terminating group %d: %w", pid, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}
	logrus.Warnf("process: group %d still alive after %v; killing", pid, grace)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("process: killing group %d: %w", pid, err)
	}
	<-done
	return nil
}

// Package backend holds the target servers an optimization session can drive:
// a local subprocess, a Kubernetes deployment, and an in-process analytic
// latency model.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/inference-sim/autotune/tune"
)

// ErrVllmNotFound is returned by VllmCommand when vllm is not installed.
var ErrVllmNotFound = errors.New("Error: The 'vllm' executable was not found in the system PATH.")

// VllmCommand locates the vllm executable.
func VllmCommand() (string, error) {
	path, err := exec.LookPath("vllm")
	if err != nil {
		return "", ErrVllmNotFound
	}
	return path, nil
}

// Launch is a server invocation derived from settings and params.
type Launch struct {
	Args []string
	Env  map[string]string
	// Config is the JSON document for dotted-path fields, nil when none are set.
	Config map[string]interface{}
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (l Launch) EnvList() []string {
	out := make([]string, 0, len(l.Env))
	for k, v := range l.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// BuildLaunch maps every assignment to its configuration position: a `--flag`
// argument, an environment variable, or a dotted path in the config document
// loaded from s.ConfigTemplate.
func BuildLaunch(s tune.ServerSettings, base []string, params tune.Params) (Launch, error) {
	l := Launch{Args: append([]string(nil), base...), Env: make(map[string]string, len(s.Env))}
	for k, v := range s.Env {
		l.Env[k] = v
	}
	l.Args = append(l.Args, s.ExtraArgs...)

	for _, a := range params {
		switch {
		case a.Position == tune.PositionEnv:
			l.Env[a.Name] = a.String()
		case strings.HasPrefix(a.Position, "--"):
			l.Args = append(l.Args, flagArgs(a)...)
		default:
			if l.Config == nil {
				doc, err := loadTemplate(s.ConfigTemplate)
				if err != nil {
					return l, err
				}
				l.Config = doc
			}
			if err := tune.SetConfig(l.Config, a.Position, a.Typed()); err != nil {
				return l, fmt.Errorf("backend: field %s: %w", a.Name, err)
			}
		}
	}
	return l, nil
}

func flagArgs(a tune.Assignment) []string {
	if a.DType == tune.DTypeBool {
		if a.Value != 0 {
			return []string{a.Position}
		}
		return []string{"--no-" + strings.TrimPrefix(a.Position, "--")}
	}
	return []string{a.Position, a.String()}
}

func loadTemplate(path string) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backend: reading config template: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("backend: parsing config template %s: %w", path, err)
	}
	return doc, nil
}

// WriteConfig writes the config document to path, if there is one.
func (l Launch) WriteConfig(path string) error {
	if l.Config == nil {
		return nil
	}
	if path == "" {
		return errors.New("backend: dotted-path fields need server.config_path")
	}
	data, err := json.MarshalIndent(l.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("backend: encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func portArgs(s tune.ServerSettings) []string {
	var out []string
	if s.Host != "" {
		out = append(out, "--host", s.Host)
	}
	if s.Port > 0 {
		out = append(out, "--port", strconv.Itoa(s.Port))
	}
	return out
}

package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/comm"
)

// NewWithMultiMachine builds a scheduler whose target server lives on another
// host, reached through ch. The remote side must be running a listener with
// a RemoteHandler. Construction performs the init exchange.
func NewWithMultiMachine(ctx context.Context, settings tune.Settings, ch *comm.Channel, bench tune.Benchmark, opts ...Option) (*Scheduler, error) {
	if _, err := ch.Do(ctx, comm.KindInit, ""); err != nil {
		return nil, fmt.Errorf("scheduler: init remote: %w", err)
	}
	return New(settings, &remoteServer{ch: ch, timeoutCtx: context.Background}, bench, opts...), nil
}

// remoteServer relays every TargetServer call through the channel, one
// command in flight at a time.
type remoteServer struct {
	ch *comm.Channel
	// timeoutCtx supplies the context for calls whose signature has none.
	timeoutCtx func() context.Context
}

func (r *remoteServer) UpdateConfig(params tune.Params) error {
	payload, err := EncodeParams(params)
	if err != nil {
		return err
	}
	_, err = r.ch.Do(r.timeoutCtx(), comm.KindUpdate, payload)
	return err
}

func (r *remoteServer) Start(ctx context.Context) error {
	_, err := r.ch.Do(ctx, comm.KindStart, "")
	return err
}

func (r *remoteServer) Stop(ctx context.Context, delLog bool) error {
	_, err := r.ch.Do(ctx, comm.KindStop, strconv.FormatBool(delLog))
	return err
}

func (r *remoteServer) Health(ctx context.Context) tune.Health {
	v, err := r.ch.Do(ctx, comm.KindHealth, "")
	if err != nil {
		return tune.Health{Stage: tune.StageError, Detail: err.Error()}
	}
	stage := tune.Stage(v)
	if !tune.ValidStages[stage] {
		return tune.Health{Stage: tune.StageError, Detail: fmt.Sprintf("unknown stage %q", v)}
	}
	return tune.Health{Stage: stage}
}

// Poll reports a remote exit code. A failed exchange is treated as still
// alive; the next health or benchmark failure surfaces it.
func (r *remoteServer) Poll() *int {
	v, err := r.ch.Do(r.timeoutCtx(), comm.KindPoll, "")
	if err != nil {
		logrus.Warnf("scheduler: remote poll: %v", err)
		return nil
	}
	if v == comm.ReplyNone || v == "" {
		return nil
	}
	code, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("scheduler: remote poll returned %q", v)
		return nil
	}
	return &code
}

func (r *remoteServer) SetBackupDir(dir string) {
	if _, err := r.ch.Do(r.timeoutCtx(), comm.KindBackup, dir); err != nil {
		logrus.Warnf("scheduler: remote backup dir: %v", err)
	}
}

// EncodeParams renders params as a JSON object of name to value.
func EncodeParams(p tune.Params) (string, error) {
	m := make(map[string]float64, len(p))
	for _, a := range p {
		m[a.Name] = a.Value
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("scheduler: encode params: %w", err)
	}
	return string(b), nil
}

// DecodeParams is the inverse of EncodeParams over fields. Every field must be present.
func DecodeParams(s string, fields tune.Fields) (tune.Params, error) {
	var m map[string]float64
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("scheduler: decode params: %w", err)
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, ok := m[f.Name]
		if !ok {
			return nil, fmt.Errorf("scheduler: decode params: missing field %q", f.Name)
		}
		values[i] = v
	}
	return tune.ParamsFromValues(values, fields), nil
}

// RemoteHandler executes relayed commands against a local target server.
type RemoteHandler struct {
	Server tune.TargetServer
	Fields tune.Fields
}

// Handle implements comm.Handler.
func (h *RemoteHandler) Handle(ctx context.Context, cmd comm.Command) (string, error) {
	switch cmd.Kind {
	case comm.KindInit:
		return comm.ReplyDone, nil
	case comm.KindUpdate:
		p, err := DecodeParams(cmd.Params, h.Fields)
		if err != nil {
			return "", err
		}
		if err := h.Server.UpdateConfig(p); err != nil {
			return "", err
		}
		return comm.ReplyDone, nil
	case comm.KindStart:
		if err := h.Server.Start(ctx); err != nil {
			return "", err
		}
		return comm.ReplyDone, nil
	case comm.KindHealth:
		return string(h.Server.Health(ctx).Stage), nil
	case comm.KindPoll:
		if code := h.Server.Poll(); code != nil {
			return strconv.Itoa(*code), nil
		}
		return comm.ReplyNone, nil
	case comm.KindStop:
		delLog, err := strconv.ParseBool(cmd.Params)
		if err != nil && cmd.Params != "" {
			return "", fmt.Errorf("stop: bad params %q", cmd.Params)
		}
		if err := h.Server.Stop(ctx, delLog); err != nil {
			return "", err
		}
		return comm.ReplyDone, nil
	case comm.KindBackup:
		h.Server.SetBackupDir(cmd.Params)
		return comm.ReplyDone, nil
	}
	return "", fmt.Errorf("unsupported command %s", cmd.Kind)
}

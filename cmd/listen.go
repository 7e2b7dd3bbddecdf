package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/autotune/tune"
	"github.com/inference-sim/autotune/tune/comm"
	"github.com/inference-sim/autotune/tune/schedule"
)

// listenCmd serves relayed target-server commands on the remote host of a
// multi-machine session.
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the target server on behalf of a remote optimizer",
	Run: func(cmd *cobra.Command, args []string) {
		if !tune.ValidEngines[engine] || engine == "simulate" {
			logrus.Fatalf("listen needs a real engine, got %q", engine)
		}
		if !tune.ValidPDPolicies[pdPolicy] {
			logrus.Fatalf("unknown pd policy %q", pdPolicy)
		}
		settings, err := loadSettings(configPath)
		if err != nil {
			logrus.Fatalf("Failed to load settings: %v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runListen(ctx, settings, newRegistry(pdPolicy, nil), engine); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// runListen serves commands from the mailbox until ctx ends, then stops the server.
func runListen(ctx context.Context, settings tune.Settings, reg *tune.Registry, engineName string) error {
	if err := settings.Fields.Validate(); err != nil {
		return err
	}
	server, err := reg.NewServer(engineName, settings)
	if err != nil {
		return err
	}
	mb, err := comm.NewFileMailbox(settings.Communication.CmdFile, settings.Communication.ResFile)
	if err != nil {
		return err
	}
	handler := &schedule.RemoteHandler{Server: server, Fields: settings.Fields}
	logrus.Infof("listening on %s", settings.Communication.CmdFile)
	err = comm.NewListener(mb, handler, settings.Communication.PollInterval).Run(ctx)
	if stopErr := server.Stop(context.Background(), false); stopErr != nil {
		logrus.Warnf("stopping server: %v", stopErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

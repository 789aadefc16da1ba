// Command shardd serves layer ranges of llama checkpoints: locally with run,
// as one peer of a pipeline ring with serve, and converts checkpoints to the
// canonical safetensors layout with convert.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/config"
	"github.com/23skdu/longbow-shard/internal/engine"
	"github.com/23skdu/longbow-shard/internal/loader"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/registry"
	"github.com/23skdu/longbow-shard/internal/shard"
)

var version = "dev"

// app carries the configuration shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "shardd",
		Short:             "Sharded llama inference runtime",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format override (console, json)")

	root.AddCommand(newRunCmd(a), newServeCmd(a), newConvertCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	a.cfg = cfg
	return nil
}

// newEngine builds a runtime resolving models through the configured
// registry and an engine on top of it.
func (a *app) newEngine() (*engine.Engine, error) {
	rt, err := loader.New(&a.cfg, registry.NewLocal(&a.cfg))
	if err != nil {
		return nil, err
	}
	rt.SetProgress(progressLogger())
	return engine.New(rt, &a.cfg), nil
}

// layers returns the layer count of a configured model.
func (a *app) layers(modelID string) (int, error) {
	m, ok := a.cfg.Models[modelID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", loader.ErrUnresolvedModel, modelID)
	}
	fam, ok := a.cfg.Family(m.Family)
	if !ok {
		return 0, fmt.Errorf("model %s: unknown family %q", modelID, m.Family)
	}
	return fam.Args.Layers, nil
}

// span builds the shard [start, end) of modelID; end <= 0 means the last layer.
func (a *app) span(modelID string, start, end int) (shard.Shard, error) {
	n, err := a.layers(modelID)
	if err != nil {
		return shard.Shard{}, err
	}
	if end <= 0 {
		end = n
	}
	return shard.New(modelID, start, end, n)
}

// progressLogger logs download progress in ten percent steps.
func progressLogger() registry.Progress {
	last := int64(-1)
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		step := done * 10 / total
		if step == last {
			return
		}
		last = step
		logger.Log.Info("Downloading model", "done_bytes", done, "total_bytes", total, "percent", step*10)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

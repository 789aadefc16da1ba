package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/monitoring"
	"github.com/23skdu/longbow-shard/internal/node"
	"github.com/23skdu/longbow-shard/internal/transport"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve MODEL",
		Short: "Serve one layer range as a peer of a pipeline ring",
		Long: "Serve loads layers [start, end) of MODEL, accepts activations from the previous peer " +
			"and forwards its outputs to --next. The peer holding layer 0 can start a request with --prompt.",
		Args: cobra.ExactArgs(1),
		RunE: a.serveHandler,
	}
	cmd.Flags().Int("start", 0, "First layer served")
	cmd.Flags().Int("end", 0, "Layer after the last one served (0 for the final layer)")
	cmd.Flags().String("listen", "", "Activation listen address (default from config)")
	cmd.Flags().String("metrics", "", "Health and metrics address (default from config)")
	cmd.Flags().String("next", "", "Address of the next peer in the ring")
	cmd.Flags().String("prompt", "", "Prompt to generate from once the ring is up (first shard only)")
	cmd.Flags().Int("max-tokens", 64, "Maximum number of tokens to generate for --prompt")
	cmd.MarkFlagRequired("next")
	return cmd
}

func (a *app) serveHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	start, _ := flags.GetInt("start")
	end, _ := flags.GetInt("end")
	listen, _ := flags.GetString("listen")
	metricsAddr, _ := flags.GetString("metrics")
	next, _ := flags.GetString("next")
	prompt, _ := flags.GetString("prompt")
	maxTokens, _ := flags.GetInt("max-tokens")
	if listen == "" {
		listen = a.cfg.ListenAddr
	}
	if metricsAddr == "" {
		metricsAddr = a.cfg.MetricsAddr
	}

	s, err := a.span(args[0], start, end)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	log := logger.Log.With("component", "serve", "shard", s.String())

	e, err := a.newEngine()
	if err != nil {
		return err
	}
	if err := e.EnsureShard(ctx, s); err != nil {
		return fmt.Errorf("failed to load %s: %w", s, err)
	}

	client, err := transport.Dial(next)
	if err != nil {
		return err
	}
	n, err := node.New(e, s, client)
	if err != nil {
		client.Close()
		return err
	}
	defer n.Close()

	hm := monitoring.NewHealthMonitor(e, version)
	n.SetRecorder(hm)
	go func() {
		if err := hm.Start(metricsAddr); err != nil {
			log.Error("Health monitor failed", "error", err)
		}
	}()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hm.Stop(stopCtx)
	}()

	srv := transport.NewServer(n)
	if err := srv.Listen(listen); err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("Activation server stopped", "error", err)
		}
	}()
	defer srv.Shutdown()

	if prompt == "" {
		log.Info("Peer ready", "listen", srv.Addr().String(), "next", next)
		<-ctx.Done()
		return nil
	}

	res, err := n.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Text)
	log.Info("Generation complete", "request", res.RequestID, "tokens", len(res.Tokens), "eos", res.EOS)
	return nil
}

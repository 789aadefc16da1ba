package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/checkpoint"
	"github.com/23skdu/longbow-shard/internal/convert"
	"github.com/23skdu/longbow-shard/internal/logger"
	"github.com/23skdu/longbow-shard/internal/quant"
	"github.com/23skdu/longbow-shard/internal/shard"
)

func newConvertCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert SRC DST",
		Short: "Rewrite a checkpoint as one canonical safetensors file",
		Args:  cobra.ExactArgs(2),
		RunE:  a.convertHandler,
	}
	cmd.Flags().String("family", "8B", "Model family of the checkpoint")
	cmd.Flags().Bool("int8", false, "Store eligible weights as int8 with per-block scales")
	return cmd
}

func (a *app) convertHandler(cmd *cobra.Command, args []string) error {
	family, _ := cmd.Flags().GetString("family")
	quantize, _ := cmd.Flags().GetBool("int8")
	fam, ok := a.cfg.Family(family)
	if !ok {
		return fmt.Errorf("unknown family %q", family)
	}
	src, dst := args[0], args[1]

	m, err := checkpoint.Load(src, fam.Files)
	if err != nil {
		return err
	}
	whole := shard.Shard{ModelID: family, StartLayer: 0, EndLayer: fam.Args.Layers, NLayers: fam.Args.Layers}
	if m, err = convert.Canonicalize(m, fam.Args, whole); err != nil {
		return err
	}
	if quantize {
		if m, err = quant.Quantize(m, a.cfg.QuantBlockSize); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	out := filepath.Join(dst, checkpoint.SafetensorsFile)
	if err := checkpoint.WriteSafetensors(out, m); err != nil {
		return err
	}
	logger.Log.Info("Checkpoint converted", "src", src, "dst", out, "tensors", len(m), "bytes", m.NBytes())
	return nil
}

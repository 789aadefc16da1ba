package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-shard/internal/logger"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run MODEL PROMPT",
		Short: "Generate text from a prompt with the whole model on this machine",
		Args:  cobra.ExactArgs(2),
		RunE:  a.runHandler,
	}
	cmd.Flags().Int("max-tokens", 64, "Maximum number of tokens to generate")
	return cmd
}

func (a *app) runHandler(cmd *cobra.Command, args []string) error {
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	if maxTokens <= 0 {
		return fmt.Errorf("--max-tokens must be positive")
	}
	s, err := a.span(args[0], 0, 0)
	if err != nil {
		return err
	}
	e, err := a.newEngine()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	id := uuid.NewString()

	start := time.Now()
	out, state, done, err := e.DecodePrompt(ctx, id, s, args[1], "")
	if err != nil {
		return err
	}
	tok := e.Runtime().Current().Tokenizer
	w := cmd.OutOrStdout()

	var tokens []int
	var printed string
	for !done {
		tokens = append(tokens, out.Token)
		// Decode the whole sequence so multi-token characters print intact.
		text := tok.Decode(tokens)
		if strings.HasPrefix(text, printed) {
			fmt.Fprint(w, text[len(printed):])
			printed = text
		}
		if len(tokens) >= maxTokens {
			break
		}
		out, state, done, err = e.DecodeTensor(ctx, id, s, out.Tensor(), state)
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(w)

	elapsed := time.Since(start)
	logger.Log.Info("Generation complete", "tokens", len(tokens), "eos", done,
		"duration", elapsed.String(), "tokens_per_sec", float64(len(tokens))/elapsed.Seconds())
	return nil
}

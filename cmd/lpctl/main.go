package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhengjr9/logprob-relay/internal/client"
	"github.com/zhengjr9/logprob-relay/internal/logprob"
	"github.com/zhengjr9/logprob-relay/internal/params"
)

type options struct {
	url         string
	model       string
	temperature float64
	topP        float64
	maxTokens   int
	topLogprobs int
	forcePrefix string
	mode        string
	format      string
	out         string
	threshold   float64
}

// request builds a CompleteRequest, leaving unset flags to the server
// defaults.
func (o *options) request(cmd *cobra.Command, prompt string) *params.CompleteRequest {
	req := &params.CompleteRequest{
		Messages:         []params.ChatMessage{{Role: params.RoleUser, Content: prompt}},
		Model:            o.model,
		ForcePrefix:      o.forcePrefix,
		ContinuationMode: params.ContinuationMode(o.mode),
	}
	flags := cmd.Flags()
	if flags.Changed("temperature") {
		req.Temperature = &o.temperature
	}
	if flags.Changed("top-p") {
		req.TopP = &o.topP
	}
	if flags.Changed("max-tokens") {
		req.MaxTokens = &o.maxTokens
	}
	if flags.Changed("top-logprobs") {
		req.TopLogprobs = &o.topLogprobs
	}
	return req
}

func main() {
	_ = godotenv.Load()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "lpctl",
		Short:        "Explore per-token log probabilities through a logprob relay",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", envOr("LPCTL_URL", "http://localhost:8080"), "Relay base URL, including any base path")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := client.New(opts.url).Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", m.ID, m.Name)
			}
			return nil
		},
	}

	completeCmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Run one completion and print its tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(opts.url).Complete(cmd.Context(), opts.request(cmd, strings.Join(args, " ")))
			if err != nil {
				return err
			}
			if err := saveCompletion(opts.out, c); err != nil {
				return err
			}
			return printCompletion(cmd, opts, c)
		},
	}

	streamCmd := &cobra.Command{
		Use:   "stream [prompt]",
		Short: "Stream a completion, printing text as it arrives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, opts, opts.request(cmd, strings.Join(args, " ")))
		},
	}

	var (
		branchIndex int
		branchToken string
		prompt      string
	)
	branchCmd := &cobra.Command{
		Use:   "branch [saved.json]",
		Short: "Replace one token of a saved completion and continue from there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := loadCompletion(args[0])
			if err != nil {
				return err
			}
			if branchIndex < 0 || branchIndex >= len(saved.Tokens) {
				return fmt.Errorf("--index %d out of range [0,%d)", branchIndex, len(saved.Tokens))
			}
			if !cmd.Flags().Changed("token") {
				alts := saved.Tokens[branchIndex].TopLogprobs
				for _, alt := range alts {
					if alt.Token != saved.Tokens[branchIndex].Token {
						branchToken = alt.Token
						break
					}
				}
			}
			opts.forcePrefix = logprob.BranchPrefix(saved.Tokens, branchIndex, branchToken)
			opts.mode = string(params.ModeAssistantPrefix)
			if opts.model == "" {
				opts.model = saved.Model
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "branching at token %d with %q\n", branchIndex, branchToken)
			return runStream(cmd, opts, opts.request(cmd, prompt))
		},
	}
	branchCmd.Flags().IntVar(&branchIndex, "index", 0, "Token index to replace")
	branchCmd.Flags().StringVar(&branchToken, "token", "", "Replacement token (default: best alternative)")
	branchCmd.Flags().StringVar(&prompt, "prompt", "", "The user prompt of the saved completion")
	_ = branchCmd.MarkFlagRequired("prompt")

	for _, c := range []*cobra.Command{completeCmd, streamCmd, branchCmd} {
		f := c.Flags()
		f.StringVar(&opts.model, "model", "", "Model id (see 'lpctl models')")
		f.Float64Var(&opts.temperature, "temperature", params.DefaultTemperature, "Sampling temperature [0,2]")
		f.Float64Var(&opts.topP, "top-p", params.DefaultTopP, "Nucleus sampling [0,1]")
		f.IntVar(&opts.maxTokens, "max-tokens", params.DefaultMaxTokens, "Maximum tokens [1,256]")
		f.IntVar(&opts.topLogprobs, "top-logprobs", params.DefaultTopLogprobs, "Alternatives per token [1,10]")
		f.StringVar(&opts.format, "format", "text", "Output format: text, json or csv")
		f.StringVar(&opts.out, "out", "", "Also save the completion as JSON to this file")
		f.Float64Var(&opts.threshold, "threshold", 0.3, "Probability under which tokens are listed as uncertain")
	}
	for _, c := range []*cobra.Command{completeCmd, streamCmd} {
		c.Flags().StringVar(&opts.forcePrefix, "force-prefix", "", "Assistant text the completion must continue from")
		c.Flags().StringVar(&opts.mode, "mode", "", "Continuation mode: assistant-prefix or hint")
	}

	rootCmd.AddCommand(modelsCmd, completeCmd, streamCmd, branchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// liveHandler prints deltas as they arrive.
type liveHandler struct {
	cmd    *cobra.Command
	tokens int
}

func (h *liveHandler) OnDelta(text string) {
	fmt.Fprint(h.cmd.OutOrStdout(), text)
}

func (h *liveHandler) OnToken(tok logprob.TokenLP) { h.tokens++ }

func runStream(cmd *cobra.Command, opts *options, req *params.CompleteRequest) error {
	h := &liveHandler{cmd: cmd}
	if req.ForcePrefix != "" {
		fmt.Fprint(cmd.OutOrStdout(), req.ForcePrefix)
	}
	c, err := client.New(opts.url).StreamCompletion(cmd.Context(), req, h)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := saveCompletion(opts.out, c); err != nil {
		return err
	}
	if opts.format == "text" {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return printCompletion(cmd, opts, c)
}

func printCompletion(cmd *cobra.Command, opts *options, c *logprob.CompletionLP) error {
	w := cmd.OutOrStdout()
	switch opts.format {
	case "json":
		return logprob.WriteJSON(w, c)
	case "csv":
		return logprob.WriteCSV(w, c)
	case "text":
		return renderText(w, c, opts.threshold, !color.NoColor)
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}
}

func saveCompletion(path string, c *logprob.CompletionLP) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save completion: %w", err)
	}
	defer f.Close()
	return logprob.WriteJSON(f, c)
}

func loadCompletion(path string) (*logprob.CompletionLP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read completion: %w", err)
	}
	var c logprob.CompletionLP
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse completion %s: %w", path, err)
	}
	return &c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

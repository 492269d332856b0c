// Command maestro is the operator CLI: it asks the assistant, rebuilds the
// index, probes the inference services, runs evaluations and serves MCP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Leoris0/MusicProject/internal/app"
	"github.com/Leoris0/MusicProject/internal/evaluation"
	"github.com/Leoris0/MusicProject/internal/jobs"
	"github.com/Leoris0/MusicProject/internal/mcp"
	"github.com/Leoris0/MusicProject/pkg/config"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

var version = "dev"

func main() {
	// Ctrl-C cancels in-flight model and job calls.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "maestro",
		Short:         "Maestro - Shaanbei culture assistant and media job gateway",
		Version:       version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config.yaml")

	load := func(logToStderr bool) (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		out := cfg.Logging.OutputPath
		if logToStderr && (out == "" || out == "stdout") {
			out = "stderr"
		}
		if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, out); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	start := func(ctx context.Context, logToStderr bool) (*app.App, error) {
		cfg, err := load(logToStderr)
		if err != nil {
			return nil, err
		}
		a, err := app.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := a.StartAssistant(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("knowledge index not available: %w", err)
		}
		return a, nil
	}

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the assistant a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := start(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.Assistant.Ask(cmd.Context(), session, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), answer)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, answer.Response)
			for _, att := range answer.Attachments {
				fmt.Fprintf(out, "  [%s] %s\n", att.Kind, att.URL)
			}
			return nil
		},
	}
	askCmd.Flags().String("session", "cli", "session id recorded with the conversation")
	askCmd.Flags().Bool("json", false, "print the full answer as JSON")

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Load the knowledge base and build the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			flush, _ := cmd.Flags().GetBool("flush-cache")

			cfg, err := load(true)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if flush {
				n, err := a.FlushEmbeddingCache(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to flush embedding cache: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d cached embeddings\n", n)
			}
			if err := a.StartAssistant(cmd.Context()); err != nil {
				return fmt.Errorf("knowledge index not available: %w", err)
			}

			st := a.Assistant.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents from %s (%s backend)\n",
				st.Documents, a.Config.Knowledge.Path, a.Config.Knowledge.IndexBackend)
			return nil
		},
	}

	indexCmd.Flags().Bool("flush-cache", false, "drop cached embeddings before rebuilding, e.g. after changing llm.embeddingModel")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the video, song and avatar inference services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(true)
			if err != nil {
				return err
			}
			g := jobs.NewGenerator(cfg.Jobs, nil)
			statuses := g.ServiceHealth(cmd.Context())
			printHealth(cmd.OutOrStdout(), statuses)

			for _, s := range statuses {
				if !s.Up {
					return fmt.Errorf("service %s is down", s.Name)
				}
			}
			return nil
		},
	}

	evalCmd := &cobra.Command{
		Use:   "eval [dataset.yaml]",
		Short: "Replay a labelled dataset and report intent accuracy and grounding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, err := evaluation.LoadDataset(args[0])
			if err != nil {
				return err
			}

			a, err := start(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			report := evaluation.NewEvaluator(a.Assistant, a.Embedder).Run(cmd.Context(), dataset)
			fmt.Fprint(cmd.OutOrStdout(), evaluation.FormatReport(report))
			return nil
		},
	}

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the knowledge base tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := start(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("Serving MCP on stdio")
			return mcp.NewServer(a.Assistant).Serve()
		},
	}

	lyricsCmd := &cobra.Command{
		Use:   "lyrics [file]",
		Short: "Convert paragraph lyrics into the song service format",
		Long:  "Reads lyrics from file, or stdin when no file is given. With --example prints the sample lyrics instead.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if example, _ := cmd.Flags().GetBool("example"); example {
				fmt.Fprintln(cmd.OutOrStdout(), jobs.ExampleLyrics())
				return nil
			}

			var raw []byte
			var err error
			if len(args) == 1 {
				raw, err = os.ReadFile(args[0])
			} else {
				raw, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read lyrics: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobs.FormatLyrics(string(raw)))
			return nil
		},
	}
	lyricsCmd.Flags().Bool("example", false, "print the example lyrics")

	rootCmd.AddCommand(askCmd, indexCmd, healthCmd, evalCmd, mcpCmd, lyricsCmd)
	return rootCmd
}

func printHealth(w io.Writer, statuses []jobs.ServiceStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tURL\tSTATUS\tMODEL\tERROR")
	for _, s := range statuses {
		state := "down"
		if s.Up {
			state = "up"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.URL, state, s.ModelType, s.Error)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

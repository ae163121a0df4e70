package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chat-rag/internal/chromemdb"
	"chat-rag/internal/config"
	"chat-rag/internal/docstore"
	"chat-rag/internal/helper"
	"chat-rag/internal/server"
)

var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-rag",
		Short:         "Chat with your documents",
		Long:          "chat-rag indexes a directory of documents and answers questions about them in multi-turn sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configFilePath, "Path to the config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newIngestCmd(),
		newAskCmd(),
		newUploadCmd(),
		newSourcesCmd(),
		newDeleteCmd(),
		newServeCmd(),
		newBackupCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config %s: %w", configPath, err)
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	setupLogging(level)
	log.Debug().Interface("rag", cfg.RAG).Interface("vector_store", cfg.VectorStore.Backend).Msg("Loaded config")
	return cfg, nil
}

// withApp loads the configuration, builds the app and closes it after fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Error closing resources")
		}
	}()
	return fn(ctx, a)
}

func newIngestCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index the documents directory",
		Long:  "Index new and changed documents and drop removed ones. With --full every document is re-embedded.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ingest := a.svc.Ingest
				if full {
					ingest = a.svc.Rebuild
				}
				report, err := ingest(ctx)
				if err != nil {
					return err
				}
				helper.PrettyPrint(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Re-embed every document")
	return cmd
}

func newAskCmd() *cobra.Command {
	var session, query string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the indexed documents",
		Example: `  chat-rag ask --session demo "What is the capital of France?"
  chat-rag ask --session demo --query "What about Germany?"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" && len(args) == 1 {
				query = args[0]
			}
			if strings.TrimSpace(query) == "" {
				return errors.New("a question is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				answer, err := a.svc.Query(ctx, session, query)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, answer.Content)
				if len(answer.Sources) > 0 {
					fmt.Fprintf(out, "\nSources: %s\n", strings.Join(answer.Sources, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "default", "Session id; reuse it to ask follow-up questions")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Question to ask")
	return cmd
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Copy a file into the documents directory and index it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd, func(ctx context.Context, a *app) error {
				name, report, err := a.svc.AddSource(ctx, filepath.Base(args[0]), f)
				if err != nil {
					return err
				}
				log.Info().Str("file", name).Msg("Uploaded")
				helper.PrettyPrint(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the documents in the documents directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				names, err := a.svc.Sources(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a document and remove it from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.svc.DeleteSource(ctx, args[0])
				if err != nil {
					return err
				}
				helper.PrettyPrint(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.svc.Ingest(ctx); err != nil {
					// the server still starts so documents can be uploaded
					log.Warn().Err(err).Msg("Initial ingestion failed")
				}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return server.New(a.svc, a.cfg.Server).Run(ctx)
				})
				if watch || a.cfg.Documents.Watch {
					w, err := docstore.NewWatcher(a.store, 0, func(ctx context.Context) {
						if _, err := a.svc.Ingest(ctx); err != nil {
							log.Warn().Err(err).Msg("Re-ingestion after document change failed")
						}
					})
					if err != nil {
						return err
					}
					g.Go(func() error { return w.Run(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-index when files in the documents directory change")
	return cmd
}

func newBackupCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export an encrypted snapshot of the chromem index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				m, ok := a.index.(*chromemdb.VectorDBManager)
				if !ok {
					return fmt.Errorf("backup is only supported for the chromem backend, not %s", a.cfg.VectorStore.Backend)
				}
				if err := m.Export(out, a.cfg.VectorStore.EncryptionKey); err != nil {
					return err
				}
				log.Info().Str("file", out).Msg("Index exported")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "chromemdb-backup.gob", "Snapshot file")
	return cmd
}

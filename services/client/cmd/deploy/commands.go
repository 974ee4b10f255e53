package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"deploycli/pkg/manifest"
	"deploycli/pkg/signing"
	"deploycli/services/client"
	"deploycli/services/client/cache"
	"deploycli/services/client/supervisor"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "deploy",
		Short:         "Publish, fetch and run task bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml (default <user config dir>/deploycli/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level written to stderr")

	cmd.AddCommand(newNewCommand())
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newPostCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newUpdateCommand(opts))
	cmd.AddCommand(newCleanCommand(opts))
	return cmd
}

// session is the state every registry command needs.
type session struct {
	client *client.Client
	cache  *cache.Cache
	out    io.Writer
	style  lipgloss.Style
}

func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()

	path := o.configPath
	if path == "" {
		if path, err = client.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}
	cfg, created, err := client.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info().Str("path", path).Msg("wrote default config")
	}

	c, err := cache.New(cfg.CachePath(), cfg.DigestAlgorithm())
	if err != nil {
		return nil, err
	}

	var verifier *signing.Signer
	if cfg.PublicKey != "" {
		if verifier, err = signing.New("", cfg.PublicKey); err != nil {
			return nil, err
		}
	}

	cl, err := client.New(client.Options{
		Server:   cfg.Server,
		Password: cfg.Password,
		Cache:    c,
		Verifier: verifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	return &session{
		client: cl,
		cache:  c,
		out:    out,
		style:  lipgloss.NewRenderer(out).NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
	}, nil
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// pick resolves a list index argument against the registry listing.
func (s *session) pick(ctx context.Context, arg string) (manifest.Task, error) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return manifest.Task{}, fmt.Errorf("invalid index %q", arg)
	}
	tasks, err := s.client.List(ctx)
	if err != nil {
		return manifest.Task{}, err
	}
	if index < 0 || index >= len(tasks) {
		return manifest.Task{}, fmt.Errorf("index %d out of range, %d tasks available", index, len(tasks))
	}
	return tasks[index], nil
}

func newNewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new <name>",
		Short: "Scaffold a task bundle in the current directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			task, err := manifest.Scaffold(wd, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s created with id %s.\n", task.Name, task.ID)
			return nil
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [index]",
		Short: "List tasks, or fetch and run the task at index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 0 {
				tasks, err := s.client.List(ctx)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					s.printf("No tasks available.\n")
				}
				for i, t := range tasks {
					s.printf("%s %s - %s\n", s.style.Render(strconv.Itoa(i)+":"), t.Name, t.Description)
				}
				return nil
			}

			task, err := s.pick(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := s.client.Fetch(ctx, task)
			if err != nil {
				return err
			}
			if res.Outcome == client.OutcomeNotModified {
				s.printf("Task %s is up to date, no need to download.\n", task.Name)
			} else {
				s.printf("Task %s downloaded.\n", task.Name)
			}

			sup := &supervisor.Supervisor{In: cmd.InOrStdin(), Out: s.out, Err: cmd.ErrOrStderr()}
			result, err := sup.Run(ctx, res.Script)
			if err != nil {
				return &client.TransferError{Stage: client.StageExecute, Task: task, Err: err}
			}
			if result.State == supervisor.Finished && !result.Success {
				return fmt.Errorf("task %s exited with status %d", task, result.ExitCode)
			}
			return nil
		},
	}
}

func newPostCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "post <path>",
		Short: "Pack and upload the task bundle at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			if _, err := s.client.Upload(cmd.Context(), args[0]); err != nil {
				return err
			}
			s.printf("Task uploaded successfully.\n")
			return nil
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <index>",
		Short: "Delete the task at index from the registry and the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			task, err := s.pick(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.client.Delete(ctx, task); err != nil {
				return err
			}
			s.printf("Task %s deleted successfully.\n", task.Name)

			ev, err := s.cache.Evict(task)
			if err != nil {
				return err
			}
			s.reportEviction(ev)
			return nil
		},
	}
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Ask the registry to rescan its bundle directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			summary, err := s.client.Update(cmd.Context())
			if err != nil {
				return err
			}
			s.printf("Database updated successfully. (added %d, updated %d, removed %d)\n",
				summary.Added, summary.Updated, summary.Removed)
			return nil
		},
	}
}

func newCleanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [index]",
		Short: "Remove cached archives and unpacked bundles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var tasks []manifest.Task
			if len(args) == 1 {
				task, err := s.pick(ctx, args[0])
				if err != nil {
					return err
				}
				tasks = []manifest.Task{task}
			} else if tasks, err = s.client.List(ctx); err != nil {
				return err
			}

			evictions, err := s.cache.EvictAll(tasks)
			for _, ev := range evictions {
				s.reportEviction(ev)
			}
			return err
		},
	}
}

func (s *session) reportEviction(ev cache.Eviction) {
	name := ev.Task.Name
	if ev.RemovedDir {
		s.printf("Cache for task %s deleted successfully.\n", name)
	} else {
		s.printf("No cache found for task %s.\n", name)
	}
	if ev.RemovedZip {
		s.printf("Cache zip for task %s deleted successfully.\n", name)
	} else {
		s.printf("No cache zip found for task %s.\n", name)
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tahoe-os/server/internal/desktop/model"
	"github.com/tahoe-os/server/internal/desktop/mount"
	"github.com/tahoe-os/server/internal/desktop/replay"
	logx "github.com/tahoe-os/server/pkg/logger"
)

type rootOptions struct {
	envFile string
	format  string
	views   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "tahoe",
		Short:        "Tahoe OS view synthesis server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "env file to load before reading the environment")
	root.PersistentFlags().StringVar(&opts.format, "format", "text", "output format for frames: text or yaml")
	root.PersistentFlags().BoolVar(&opts.views, "views", true, "print the mounted markup of every frame")

	root.AddCommand(newAppsCommand(), newReplayCommand(opts), newRunCommand(opts))
	return root
}

func newAppsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the applications on the desktop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tICON\tGROUNDED")
			for _, app := range model.DefaultCatalog {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", app.ID, app.Name, app.Icon, app.Grounded)
			}
			return tw.Flush()
		},
	}
}

func newReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <script.yaml>",
		Short: "Replay a scripted session against the live model and print each view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			sc, err := replay.ParseScript(f)
			if err != nil {
				return err
			}

			return withRunner(cmd.Context(), opts, func(ctx context.Context, r *replay.Runner) error {
				logx.Info().Str("script", sc.Name).Int("steps", len(sc.Steps)).Msg("Replaying script")
				var printErr error
				err := r.Run(ctx, sc, func(fr replay.Frame) {
					if printErr == nil {
						printErr = printFrame(cmd.OutOrStdout(), opts, fr)
					}
				})
				if err != nil {
					return err
				}
				return printErr
			})
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Interactive desktop shell: one command per line (open, click, type, event, close, settings, toggle)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), opts, func(ctx context.Context, r *replay.Runner) error {
				return shell(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), opts, r)
			})
		},
	}
}

func shell(ctx context.Context, in io.Reader, out io.Writer, opts *rootOptions, r *replay.Runner) error {
	scanner := bufio.NewScanner(in)
	step := 0
	fmt.Fprint(out, "tahoe> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, "tahoe> ")
			continue
		case "quit", "exit":
			return nil
		}

		s, err := replay.ParseCommand(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		} else {
			step++
			fr := r.Step(ctx, s)
			fr.Index = step
			if err := printFrame(out, opts, fr); err != nil {
				return err
			}
		}
		fmt.Fprint(out, "tahoe> ")
	}
	return scanner.Err()
}

// withRunner loads config, wires the desktop and a mount, and runs fn.
func withRunner(parent context.Context, opts *rootOptions, fn func(context.Context, *replay.Runner) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	cfg, err := loadConfig(opts.envFile)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	d, err := buildDesktop(ctx, cfg)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to build desktop")
		return err
	}
	defer d.Close()

	r := replay.NewRunner(ctx, d.orch, mount.New(), cfg.Desktop.StreamTimeout+replay.DefaultStepTimeout)
	defer r.Close()
	return fn(ctx, r)
}

type frameOutput struct {
	Step    int                      `yaml:"step"`
	Action  string                   `yaml:"action"`
	Title   string                   `yaml:"title"`
	Phase   model.Phase              `yaml:"phase"`
	Path    []string                 `yaml:"path,omitempty"`
	History []model.InteractionEvent `yaml:"history,omitempty"`
	Error   string                   `yaml:"error,omitempty"`
	View    string                   `yaml:"view,omitempty"`
}

func printFrame(w io.Writer, opts *rootOptions, fr replay.Frame) error {
	out := frameOutput{
		Step:    fr.Index,
		Action:  fr.Action,
		Title:   fr.Session.Title,
		Phase:   fr.Session.Phase,
		Path:    fr.Session.Path,
		History: fr.Session.History,
		Error:   fr.Session.Error,
	}
	if fr.Err != nil {
		out.Error = fr.Err.Error()
	}
	if opts.views {
		out.View = fr.View
	}

	if opts.format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode([]frameOutput{out}); err != nil {
			return err
		}
		return enc.Close()
	}

	fmt.Fprintf(w, "[%d] %s -> %s (%s)\n", out.Step, out.Action, out.Title, out.Phase)
	if len(out.Path) > 0 {
		fmt.Fprintf(w, "    path: %s\n", strings.Join(out.Path, " / "))
	}
	if out.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", out.Error)
	}
	if out.View != "" {
		fmt.Fprintln(w, out.View)
	}
	return nil
}

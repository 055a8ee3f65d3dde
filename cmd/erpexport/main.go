package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/freundallein/erpexport/app"
	"github.com/freundallein/erpexport/catalog"
	"github.com/freundallein/erpexport/chassis/config"
	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/downloader"
	"github.com/freundallein/erpexport/worker"
)

const timeFormat = "2006-01-02 15:04:05"

var cfgPath string

func readConfig() (*config.AppConfig, error) {
	if cfgPath != "" {
		return config.ReadFile(cfgPath)
	}
	return config.Read()
}

func build(ctx context.Context) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New("erpexport", cfg.LogLevel("worker"))
	return app.Build(ctx, cfg, app.Options{}, log)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [job...]",
		Short: "Export the enabled modules, or only the named jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			var result worker.Summary
			if len(args) > 0 {
				result = a.Worker.RunJobs(ctx, args)
			} else {
				result = a.Worker.RunAll(ctx)
			}
			result.Print(cmd.OutOrStdout())
			if err := result.Err(); err != nil {
				return err
			}
			// an interrupted run that exported nothing is not a success
			return ctx.Err()
		},
	}
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List configured jobs and their module switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tMODULE\tPREFIX\tSWITCH")
			cat := catalog.New(cfg.Jobs, time.Local)
			for _, name := range cat.Names() {
				job, _ := cat.Job(name)
				kind := catalog.Disabled
				if sw, ok := cfg.Modules.Find(name); ok {
					kind = sw.Setting.Kind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, job.ModuleName, job.Prefix(), kind)
			}
			return w.Flush()
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix...]",
		Short: "Show the latest downloaded file of every prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			prefixes := args
			if len(prefixes) == 0 {
				prefixes, err = knownPrefixes(cfg)
				if err != nil {
					return err
				}
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PREFIX\tCREATED\tSIZE\tPATH")
			for _, prefix := range prefixes {
				file, err := downloader.Latest(cfg.Downloads.Dir, prefix)
				if err != nil {
					return err
				}
				if file == nil {
					fmt.Fprintf(w, "%s\t-\t-\t-\n", prefix)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", prefix, file.CreatedAt.Format(timeFormat), file.Size, file.Path)
			}
			return w.Flush()
		},
	}
}

// knownPrefixes expands every job with its switch, or its defaults when off.
func knownPrefixes(cfg *config.AppConfig) ([]string, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	cat := catalog.New(cfg.Jobs, loc)
	var prefixes []string
	for _, name := range cat.Names() {
		setting := catalog.Setting{Kind: catalog.EnabledWithDefaults}
		if sw, ok := cfg.Modules.Find(name); ok && sw.Setting.Enabled() {
			setting = sw.Setting
		}
		requests, err := cat.Requests(name, setting, time.Now())
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		for _, req := range requests {
			prefixes = append(prefixes, req.FilePrefix)
		}
	}
	return prefixes, nil
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the latest export runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			repo, err := app.OpenRepository(ctx, cfg, logging.New("erpexport", cfg.LogLevel("worker")))
			if err != nil {
				return err
			}
			defer repo.Close()
			runs, err := repo.Recent(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tPREFIX\tSTATE\tPATH\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", run.StartedDt.Format(timeFormat), run.FilePrefix, run.State, run.Path, run.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "erpexport",
		Short:         "Export reports from the ERP and keep the latest file of each",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (defaults to CFG_PATH)")
	root.AddCommand(runCmd(), jobsCmd(), listCmd(), runsCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

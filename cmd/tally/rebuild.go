package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/medprepa/tally"
	"github.com/medprepa/tally/config"
	"github.com/medprepa/tally/rebuild"
)

func newRebuildCmd() *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "rebuild [scope]",
		Short: "repair aggregates and wait for the verification verdict",
		Long: `Scope is "system", "category:taxonomy", "category:random",
"category:user" or "user:<hex id>"; omitted it repairs everything.
An interrupted run keeps its checkpoint and finishes with --resume.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := rebuild.SystemScope()
			if len(args) == 1 {
				var err error
				if scope, err = rebuild.ParseScope(args[0]); err != nil {
					return err
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return rebuildOnce(cfg, scope, resume)
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "run id to pick back up instead of starting fresh")
	return cmd
}

func rebuildOnce(cfg *config.Config, scope rebuild.Scope, resume string) error {
	eng, err := tally.Open(cfg.Data.Dir, engineOptions(cfg))
	if err != nil {
		return err
	}
	defer eng.Close()

	var rid uuid.UUID
	if resume != "" {
		if rid, err = uuid.Parse(resume); err != nil {
			return errors.Wrap(err, "--resume wants a run id")
		}
		err = eng.ResumeRebuild(rid)
	} else {
		rid, err = eng.StartRebuild(scope)
	}
	if err != nil {
		return err
	}

	// ^C stops the wait; Close persists the run's cursor on the way out.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	run, err := eng.WaitRebuild(ctx, rid)
	if errors.Is(err, context.Canceled) {
		return errors.Errorf("interrupted; run %s keeps its checkpoint, finish it with --resume", rid)
	}
	if err != nil {
		return err
	}
	printRun(os.Stdout, run)
	if run.Status() == rebuild.StatusFailed {
		return errors.Errorf("run %s failed: %s", rid, run.Error)
	}
	return nil
}

// printRun renders one run the way an operator reads it: the verdict
// first, then the counters that explain it.
func printRun(w io.Writer, run *rebuild.Run) {
	fmt.Fprintf(w, "run %s scope=%s status=%s phase=%s\n",
		run.ID, run.Scope, run.Status(), run.Phase)
	fmt.Fprintf(w, "  cleared=%d processed=%d inserted=%d checked=%d mismatched=%d steps=%d avg=%.1fms\n",
		run.Cleared, run.Processed, run.Inserted, run.Checked, run.Mismatched,
		run.Steps, run.StepMillis)
	for _, d := range run.Discrepancies {
		fmt.Fprintf(w, "  ! %s %s expected=%d actual=%d\n",
			d.Aggregate, d.Namespace, d.Expected, d.Actual)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  ! %s\n", run.Error)
	}
}

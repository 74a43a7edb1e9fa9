package main

import (
	"context"

	logs "github.com/danmuck/smplog"
	"github.com/spf13/cobra"
)

func runCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the demo flow against the files in backup.info",
		Long: `Run the demo flow on one connection:

  1. list files on the server
  2. back up the first file in backup.info
  3. back up the second file
  4. list again
  5. restore the first file
  6. delete the first file
  7. restore the first file again (the server answers 1001)

A missing first or second entry is reported and its steps are skipped.
A local error on one step does not stop the flow; a connection error does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, flags)
		},
	}
}

func runDemo(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	if err := cfg.Resolve(); err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, !flags.noProgress)
	if err != nil {
		return err
	}
	defer s.Close()

	if !demoSteps(ctx, s, cfg.Files) {
		return s.fault()
	}
	return nil
}

// demoSteps runs the fixed flow and stops at the first connection fault.
func demoSteps(ctx context.Context, s *session, files []string) bool {
	var first, second string
	if len(files) > 0 {
		first = files[0]
	}
	if len(files) > 1 {
		second = files[1]
	}

	steps := []func() bool{
		func() bool { _, ok := s.list(ctx); return ok },
		func() bool {
			if first == "" {
				logs.StatusWarn("No files listed in backup.info to back up.")
				return true
			}
			return s.backup(ctx, first)
		},
		func() bool {
			if second == "" {
				logs.StatusWarn("No second file listed in backup.info to back up.")
				return true
			}
			return s.backup(ctx, second)
		},
		func() bool { _, ok := s.list(ctx); return ok },
	}
	if first != "" {
		steps = append(steps,
			func() bool { return s.restore(ctx, first) },
			func() bool { return s.delete(ctx, first) },
			func() bool { return s.restore(ctx, first) },
		)
	}

	for _, step := range steps {
		if !step() {
			return false
		}
	}
	return true
}

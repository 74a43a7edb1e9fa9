package main

import (
	"context"

	"github.com/spf13/cobra"
)

func listCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the files this client has stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, flags, func(ctx context.Context, s *session) bool {
				_, ok := s.list(ctx)
				return ok
			})
		},
	}
}

func backupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>...",
		Short: "Back up local files",
		Long: `Back up each local file. The path is sent as the file's name on the
server, exactly as given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, flags, func(ctx context.Context, s *session) bool {
				for _, path := range args {
					if !s.backup(ctx, path) {
						return false
					}
				}
				return true
			})
		},
	}
}

func restoreCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name>...",
		Short: "Restore files into the restore directory",
		Long: `Restore each named file. The file is written into --restore-dir under
the last path component of the name the server returns.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, flags, func(ctx context.Context, s *session) bool {
				for _, name := range args {
					if !s.restore(ctx, name) {
						return false
					}
				}
				return true
			})
		},
	}
}

func deleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>...",
		Short: "Delete files from the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, flags, func(ctx context.Context, s *session) bool {
				for _, name := range args {
					if !s.delete(ctx, name) {
						return false
					}
				}
				return true
			})
		},
	}
}

// withSession connects, runs fn and closes the connection. Single-verb
// commands take their files as arguments, so backup.info is never read.
func withSession(cmd *cobra.Command, flags *rootFlags, fn func(context.Context, *session) bool) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	if err := cfg.ResolveServer(); err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg, !flags.noProgress)
	if err != nil {
		return err
	}
	defer s.Close()

	if !fn(cmd.Context(), s) {
		return s.fault()
	}
	return nil
}

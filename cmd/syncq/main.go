package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// AddFlags holds flags for the add command
type AddFlags struct {
	Owner      string
	Payload    string
	File       string
	CapturedAt string
}

// ListFlags holds flags for the list command
type ListFlags struct {
	Pending bool
}

// PurgeFlags holds flags for the purge command
type PurgeFlags struct {
	OlderThan time.Duration
}

// SyncFlags holds flags for the sync command
type SyncFlags struct {
	Background bool
}

// ReceiveFlags holds flags for the receive command
type ReceiveFlags struct {
	Listen       string
	Collection   string
	CollectionID string
	Token        string
	FailEvery    int
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	syncqCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createAddCommand(syncqCommand),
		createListCommand(syncqCommand),
		createDeleteCommand(syncqCommand),
		createPurgeCommand(syncqCommand),
		createSyncCommand(syncqCommand),
		createServeCommand(syncqCommand),
		createReceiveCommand(syncqCommand),
		createConfigCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "syncq",
		Short: "Offline record queue with explicit upload runs",
		Long: `Syncq keeps captured records in a local store and uploads the pending
ones to a remote collection when you run a sync.

Examples:
  syncq add --owner=scout-7 --payload='{"team":254}'
  syncq list --pending
  syncq sync                        # upload with progress, Ctrl-C cancels
  syncq serve                       # control API, metrics and auto-sync`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createAddCommand creates the add subcommand
func createAddCommand(c command) *cobra.Command {
	f := &AddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Capture a record",
		Long: `Store a new pending record. The payload is stored as given.

Examples:
  syncq add --payload='{"team":254,"score":88}'
  syncq add --owner=scout-2 --file=match-12.json --captured-at=2025-03-14T09:26:53Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "record owner (defaults to config owner)")
	cmd.Flags().StringVar(&f.Payload, "payload", "", "record payload")
	cmd.Flags().StringVar(&f.File, "file", "", "read the payload from a file")
	cmd.Flags().StringVar(&f.CapturedAt, "captured-at", "", "capture time (RFC3339, default now)")
	cmd.MarkFlagsMutuallyExclusive("payload", "file")
	cmd.MarkFlagsOneRequired("payload", "file")
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Pending, "pending", false, "only records not uploaded yet")
	return cmd
}

// createDeleteCommand creates the delete subcommand
func createDeleteCommand(c command) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Delete(cmd.Context(), cmd.OutOrStdout(), id)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "record id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}

// createPurgeCommand creates the purge subcommand
func createPurgeCommand(c command) *cobra.Command {
	f := &PurgeFlags{}
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove uploaded records",
		Long: `Delete records that were uploaded longer ago than --older-than.
Pending records are never purged.

Examples:
  syncq purge                       # uploaded more than 30 days ago
  syncq purge --older-than=0s       # every uploaded record`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Purge(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.OlderThan, "older-than", 30*24*time.Hour, "minimum age since upload")
	return cmd
}

// createSyncCommand creates the sync subcommand
func createSyncCommand(c command) *cobra.Command {
	f := &SyncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending records",
		Long: `Upload every pending record, one at a time, printing progress.
Records that fail stay pending for the next run. Ctrl-C cancels the run
before the next record.

Examples:
  syncq sync
  syncq sync --background           # report through the log instead`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sync(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Background, "background", false, "report through log notifications")
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API",
		Long: `Serve the control API ([server]), metrics ([metrics]) and the
auto-sync schedule ([sync].auto_sync) until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context())
		},
	}
}

// createReceiveCommand creates the receive subcommand
func createReceiveCommand(c command) *cobra.Command {
	f := &ReceiveFlags{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run a development remote",
		Long: `Run an in-memory stand-in for the remote collection API.

Examples:
  syncq receive --listen=127.0.0.1:8090
  syncq receive --fail-every=3 --token=dev   # reject every third upload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Receive(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringVar(&f.Collection, "collection", "records", "collection name")
	cmd.Flags().StringVar(&f.CollectionID, "collection-id", "", "collection id returned by lookups (default: name)")
	cmd.Flags().StringVar(&f.Token, "token", "", "required bearer token")
	cmd.Flags().IntVar(&f.FailEvery, "fail-every", 0, "reject every n-th upload")
	return cmd
}

// createConfigCommand creates the config subcommand group
func createConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "syncq.toml"
			if len(args) > 0 {
				path = args[0]
			}
			return configInit(cmd.OutOrStdout(), path, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

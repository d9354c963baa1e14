package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/witnz/sovereign/internal/alert"
	"github.com/witnz/sovereign/internal/config"
	"github.com/witnz/sovereign/internal/logging"
	"github.com/witnz/sovereign/internal/persistence"
	"github.com/witnz/sovereign/internal/snapshot"
	"github.com/witnz/sovereign/internal/state"
	"github.com/witnz/sovereign/internal/wal"
)

const version = "v0.1.0-alpha"

var (
	cfgFile    string
	jsonOutput bool

	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

var rootCmd = &cobra.Command{
	Use:           "sovereign",
	Short:         "Sovereign - authenticated persistence engine",
	Long:          `A crash-durable key-value store authenticated by a Merkle root, with a write-ahead log, snapshots and crash recovery`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "sovereign.yaml", "config file path")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print stats as JSON")
	snapshotsCleanupCmd.Flags().Int("keep", snapshot.DefaultKeepCount, "number of snapshots to keep")

	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsCleanupCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(walCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads --config. The default path is optional; an explicit one
// must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := cfgFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openLayer(cfg *config.Config, logger hclog.Logger, opts ...persistence.Option) (*persistence.Layer, error) {
	opts = append([]persistence.Option{
		persistence.WithLogger(logger),
		persistence.WithAlerts(alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)),
	}, opts...)

	layer, err := persistence.Open(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open state at %s: %w", cfg.Node.StatePath, err)
	}
	return layer, nil
}

// withLayer loads config, opens the layer, runs fn and closes the layer.
func withLayer(cmd *cobra.Command, fn func(*config.Config, *persistence.Layer) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	layer, err := openLayer(cfg, logging.New(cfg.Logging, "sovereign"))
	if err != nil {
		return err
	}
	defer layer.Close()
	return fn(cfg, layer)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sovereign %s\n", version)
		fmt.Println("Authenticated persistence engine")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(cmd, func(cfg *config.Config, layer *persistence.Layer) error {
			fmt.Printf("Initialized sovereign node: %s\n", cfg.Node.ID)
			fmt.Printf("State directory: %s\n", cfg.Node.StatePath)
			fmt.Printf("WAL: %s\n", cfg.WALPath())
			fmt.Printf("Snapshots: %s\n", cfg.SnapshotDir())
			if cfg.Persistence.Ledger {
				fmt.Printf("Ledger: %s\n", cfg.LedgerPath())
			}
			fmt.Printf("Merkle root: %s\n", layer.MerkleRoot())
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <json-value>",
	Short: "Write a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := state.ParseValue([]byte(args[1]))
		if err != nil {
			return err
		}
		return withLayer(cmd, func(_ *config.Config, layer *persistence.Layer) error {
			root, err := layer.PutState(cmd.Context(), args[0], value)
			if err != nil {
				return err
			}
			fmt.Println(root)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(cmd, func(_ *config.Config, layer *persistence.Layer) error {
			value, ok := layer.GetState(args[0])
			if !ok {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Println(value.String())
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(cmd, func(_ *config.Config, layer *persistence.Layer) error {
			root, err := layer.DeleteState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(root)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create a snapshot and truncate the WAL behind it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(cmd, func(_ *config.Config, layer *persistence.Layer) error {
			snap, err := layer.CreateSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			green.Printf("✅ Snapshot %s created\n", snap.ID)
			fmt.Printf("  Root: %s\n", snap.Root)
			fmt.Printf("  Block height: %d\n", snap.BlockHeight)
			fmt.Printf("  WAL sequence: %d\n", snap.Metadata.WALSequence)
			fmt.Printf("  Entries: %d\n", len(snap.State))
			return nil
		})
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and prune snapshots",
}

func openSnapshots(cmd *cobra.Command) (*snapshot.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return snapshot.NewManager(cfg.SnapshotDir(), snapshot.WithLogger(logging.New(cfg.Logging, "snapshot")))
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := openSnapshots(cmd)
		if err != nil {
			return err
		}

		entries := snaps.List()
		if len(entries) == 0 {
			yellow.Println("No snapshots")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  block=%-4d root=%s  %s\n",
				cyan.Sprint(e.ID), e.BlockHeight, shortRoot(e.Root), e.Time().UTC().Format(time.RFC3339))
		}
		return nil
	},
}

var snapshotsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, err := cmd.Flags().GetInt("keep")
		if err != nil {
			return err
		}
		snaps, err := openSnapshots(cmd)
		if err != nil {
			return err
		}
		removed, err := snaps.Cleanup(keep)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d snapshot(s), %d kept\n", removed, snaps.Count())
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild state from the latest snapshot and the WAL tail",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Persistence.RecoverOnStart = false

		layer, err := openLayer(cfg, logging.New(cfg.Logging, "sovereign"))
		if err != nil {
			return err
		}
		defer layer.Close()

		ok, elapsed := layer.RecoverFromCrash(cmd.Context())
		ms := float64(elapsed) / float64(time.Millisecond)
		if !ok {
			red.Printf("❌ Recovery FAILED after %.2fms\n", ms)
			return fmt.Errorf("recovery failed, see log for details")
		}

		green.Printf("✅ Recovery succeeded in %.2fms\n", ms)
		stats := layer.RecoveryStats()
		fmt.Printf("  Root: %s\n", stats.Root)
		fmt.Printf("  Entries: %d\n", stats.Entries)
		fmt.Printf("  WAL sequence: %d\n", stats.WALSequence)
		fmt.Printf("  Recoveries so far: %d\n", stats.RecoveryCount)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify snapshots, in-memory state and the checkpoint ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Logging, "sovereign")
		failed := false

		snaps, err := snapshot.NewManager(cfg.SnapshotDir(), snapshot.WithLogger(logger.Named("snapshot")))
		if err != nil {
			return err
		}
		for _, e := range snaps.List() {
			snap, err := snaps.Load(e.ID)
			switch {
			case err != nil:
				red.Printf("  ❌ snapshot %s: %v\n", e.ID, err)
				failed = true
			case snap == nil:
				yellow.Printf("  ⚠️  snapshot %s: file missing\n", e.ID)
			case !snap.Verify():
				red.Printf("  ❌ snapshot %s: root does not match state_data\n", e.ID)
				failed = true
			default:
				green.Printf("  ✅ snapshot %s\n", e.ID)
			}
		}
		if failed {
			return fmt.Errorf("tampering detected in snapshots")
		}

		layer, err := openLayer(cfg, logger)
		if err != nil {
			red.Printf("  ❌ state: %v\n", err)
			return err
		}
		defer layer.Close()

		ok, computed := layer.VerifyIntegrity()
		if ok {
			green.Printf("  ✅ state root %s\n", computed)
		} else {
			red.Printf("  ❌ state: stored root %s, computed %s\n", layer.MerkleRoot(), computed)
			failed = true
		}

		if ledger := layer.Ledger(); ledger != nil {
			n, err := ledger.VerifyChain()
			if err != nil {
				red.Printf("  ❌ ledger: %v\n", err)
				failed = true
			} else {
				green.Printf("  ✅ ledger chain intact (%d checkpoints)\n", n)
			}
		}

		if failed {
			return fmt.Errorf("integrity verification failed")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLayer(cmd, func(cfg *config.Config, layer *persistence.Layer) error {
			stats := layer.RecoveryStats()
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			fmt.Printf("Node ID: %s\n", cfg.Node.ID)
			fmt.Printf("State Directory: %s\n", cfg.Node.StatePath)
			fmt.Printf("State: %s\n", stats.Lifecycle)
			fmt.Printf("Merkle root: %s\n", stats.Root)
			fmt.Printf("Entries: %d\n", stats.Entries)
			fmt.Printf("WAL sequence: %d\n", stats.WALSequence)
			fmt.Printf("Ops since snapshot: %d/%d\n", stats.OpsSinceSnapshot, stats.AutoSnapshotThreshold)
			fmt.Printf("Snapshots: %d\n", stats.Snapshots)
			fmt.Printf("\nRecovery:\n")
			fmt.Printf("  Count: %d\n", stats.RecoveryCount)
			if stats.RecoveryCount > 0 {
				result := green.Sprint("success")
				if !stats.LastRecoverySuccess {
					result = red.Sprint("failure")
				}
				fmt.Printf("  Last: %s in %.2fms at %s\n", result, stats.LastRecoveryTimeMS,
					stats.LastRecoveryAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Dump the write-ahead log and report damaged or interrupted records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := wal.Open(cfg.WALPath(), wal.WithLogger(logging.New(cfg.Logging, "wal")))
		if err != nil {
			return err
		}
		defer log.Close()

		replayed, err := log.Replay(0)
		if err != nil {
			return err
		}

		for _, rec := range replayed.Records {
			e := rec.Header()
			kind, after := "intent   ", wal.PendingRoot
			if c, ok := rec.(*wal.Committed); ok {
				kind, after = "committed", c.RootAfter
			}
			fmt.Printf("%6d %s %-6s %-24q %s -> %s\n",
				e.Sequence, kind, e.Op, e.Key, shortRoot(e.RootBefore), shortRoot(after))
		}
		for _, d := range replayed.Diagnostics {
			red.Printf("corrupt %s\n", d.String())
		}

		outcome := replayed.Reconcile()
		fmt.Printf("\n%d record(s), %d committed, %d dangling, %d orphaned, %d corrupt\n",
			len(replayed.Records), len(outcome.Committed), len(outcome.Dangling),
			len(outcome.Orphans), len(replayed.Diagnostics))
		return nil
	},
}

func shortRoot(root string) string {
	if len(root) > 16 {
		return root[:16]
	}
	return root
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

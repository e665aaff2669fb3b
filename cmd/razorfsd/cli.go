package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/razorfs/razorfs/internal/recovery"
	"github.com/razorfs/razorfs/internal/rfserrors"
	"github.com/razorfs/razorfs/pkg/core"
	"github.com/razorfs/razorfs/pkg/rfscfg"
	"github.com/razorfs/razorfs/pkg/rlog"
)

var (
	flagDebug      bool
	flagForeground bool
	flagAllowOther bool
	flagDataDir    string
	flagConfig     string
)

var log rlog.Logger

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to razorfs.toml (defaults to ~/.razorfs/razorfs.toml)")

	rootCmd.Flags().BoolVar(&flagForeground, "foreground", false, "run in the foreground instead of detaching")
	rootCmd.Flags().BoolVar(&flagAllowOther, "allow-other", false, "allow users other than the mount owner to access the filesystem")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "directory holding the mmap-backed region images")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		log = rlog.NewCLI(flagDebug)
		return nil
	}

	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "razorfs <mountpoint>",
	Short: "Mount a RazorFS volume",
	Long: `razorfs mounts an in-memory POSIX-style filesystem backed by a
write-ahead log and a set of mmap'd region images, running recovery over any
log entries left by an unclean shutdown before serving the mountpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

// runMount loads configuration, mounts the filesystem, blocks until a
// termination signal (when running in the foreground), then unmounts
// cleanly. The mountpoint argument and the kernel-facing FUSE session that
// would normally sit behind it are the adapter's responsibility; this
// command only drives pkg/core's lifecycle the way cmd/vorteil/run.go
// drives a virtual machine's.
func runMount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]

	flags := cmd.Flags()
	cfg, err := rfscfg.Load(flagConfig, flags)
	if err != nil {
		log.Errorf("configuration error: %v", err)
		os.Exit(3)
	}

	fs, err := core.Mount(cfg, log)
	if err != nil {
		switch rfserrors.KindOf(err) {
		case rfserrors.KindCorrupted, rfserrors.KindIOFailure:
			log.Errorf("recovery failed: %v", err)
			os.Exit(2)
		default:
			log.Errorf("mount failed: %v", err)
			os.Exit(1)
		}
	}

	if fs.Stats.NeedsFsck {
		log.Warnf("mounted %s with needs-fsck set; run 'razorfsd fsck --data-dir=%s' before trusting its contents", mountpoint, cfg.DataDir)
	} else {
		log.Infof("mounted %s (data-dir=%s, entries_scanned=%d ops_redone=%d)", mountpoint, cfg.DataDir, fs.Stats.EntriesScanned, fs.Stats.OpsRedone)
	}

	if cfg.Foreground {
		waitForSignal()
	}

	if err := fs.Unmount(); err != nil {
		log.Errorf("unmount failed: %v", err)
		os.Exit(1)
	}
	return nil
}

// waitForSignal blocks until SIGINT or SIGTERM, mirroring
// cmd/vorteil/run.go's listenForInterrupt: a mounted filesystem, like a
// running virtual machine, must shut down on request rather than exit out
// from under whoever is using it.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

var unmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Checkpoint and detach a mounted volume's region images",
	Long: `unmount mounts the volume backed by --data-dir just long enough to
run recovery and write a clean checkpoint, then detaches. It exists for
scripted shutdown paths that cannot rely on a signal reaching the mount
command's process group.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rfscfg.Load(flagConfig, cmd.Flags())
		if err != nil {
			log.Errorf("configuration error: %v", err)
			os.Exit(3)
		}

		fs, err := core.Mount(cfg, log)
		if err != nil {
			log.Errorf("mount failed: %v", err)
			os.Exit(1)
		}
		if err := fs.Unmount(); err != nil {
			log.Errorf("unmount failed: %v", err)
			os.Exit(1)
		}
		log.Infof("unmounted %s cleanly", cfg.DataDir)
		return nil
	},
}

func init() {
	unmountCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "directory holding the mmap-backed region images")
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Run recovery over a volume's region images and report the outcome",
	Long: `fsck mounts the volume backed by --data-dir, which runs the same
ARIES-style recovery pass an ordinary mount would, checkpoints the result,
and prints the recovery counters in a table. A needs-fsck result after this
command has already run indicates damage recovery could not resolve on its
own.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rfscfg.Load(flagConfig, cmd.Flags())
		if err != nil {
			log.Errorf("configuration error: %v", err)
			os.Exit(3)
		}

		fs, err := core.Mount(cfg, log)
		if err != nil {
			log.Errorf("recovery failed: %v", err)
			os.Exit(2)
		}

		printRecoveryStats(fs.Stats)

		if err := fs.Unmount(); err != nil {
			log.Errorf("checkpoint after fsck failed: %v", err)
			os.Exit(1)
		}

		if fs.Stats.NeedsFsck {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	fsckCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "directory holding the mmap-backed region images")
}

// printRecoveryStats renders a recovery.Stats value the way
// pkg/cli.PlainTable renders a du/ls result: left-aligned, borderless,
// one counter per row.
func printRecoveryStats(stats recovery.Stats) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")

	table.Append([]string{"entries scanned", fmt.Sprintf("%d", stats.EntriesScanned)})
	table.Append([]string{"transactions", fmt.Sprintf("%d", stats.TxCount)})
	table.Append([]string{"ops redone", fmt.Sprintf("%d", stats.OpsRedone)})
	table.Append([]string{"ops skipped", fmt.Sprintf("%d", stats.OpsSkipped)})
	table.Append([]string{"ops undone", fmt.Sprintf("%d", stats.OpsUndone)})
	table.Append([]string{"recovery time", fmt.Sprintf("%dus", stats.RecoveryTimeUs)})
	table.Append([]string{"needs fsck", fmt.Sprintf("%t", stats.NeedsFsck)})

	table.Render()
}

var (
	release = "0.0.0"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View CLI version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("razorfsd %s (%s)\n", release, commit)
	},
}

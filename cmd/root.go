// Package cmd wires the nufs binary's command line, following the shape of
// gcsfuse's cmd/root.go: a cobra root command whose persistent flags are
// bound into a small config struct, with viper backing environment-variable
// overrides.
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/user"
	"strconv"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nufs-project/nufs/fs"
	"github.com/nufs-project/nufs/internal/logger"
	"github.com/nufs-project/nufs/storage"
	"github.com/nufs-project/nufs/volume"
)

// Config holds every flag the root command accepts, unmarshaled via viper so
// NUFS_* environment variables can also set them.
type Config struct {
	LogFormat   string `mapstructure:"log-format"`
	LogLevel    string `mapstructure:"log-level"`
	ReadOnly    bool   `mapstructure:"read-only"`
	Foreground  bool   `mapstructure:"foreground"`
	ImageSizeMB int    `mapstructure:"image-size"`
}

var cfg Config

var rootCmd = &cobra.Command{
	Use:   "nufs [fuse-options] <mountpoint> <image-file>",
	Short: "Mount a fixed-size disk image as a POSIX filesystem over FUSE",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		logger.Init(cfg.LogFormat, cfg.LogLevel)
		return run(args[0], args[1])
	},
}

// Execute runs the root command; on any error it prints the error to
// stderr and exits with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.LogFormat, "log-format", "text", "log output format: text or json")
	flags.StringVar(&cfg.LogLevel, "log-level", logger.Info, "minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	flags.BoolVar(&cfg.ReadOnly, "read-only", false, "mount the filesystem read-only")
	flags.BoolVar(&cfg.Foreground, "foreground", false, "do not daemonize; run the adapter in the foreground")
	flags.IntVar(&cfg.ImageSizeMB, "image-size", volume.DefaultTotalPages*volume.PageSize/(1<<20), "size in MiB to create the image at, consulted only when image-file does not yet exist")

	viper.SetEnvPrefix("nufs")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)
}

// run opens the image, mounts it at mountPoint, and blocks until unmounted.
// When cfg.Foreground is false it re-execs itself with --foreground set and
// waits for the child to report a successful mount, following the same
// daemonize.Run/SignalOutcome handoff gcsfuse uses since jacobsa/fuse itself
// has no notion of backgrounding a mount.
func run(mountPoint, imagePath string) error {
	if !cfg.Foreground {
		return runDaemonized(mountPoint, imagePath)
	}

	desiredPages := (cfg.ImageSizeMB << 20) / volume.PageSize

	clock := timeutil.RealClock()
	store, err := storage.Open(imagePath, desiredPages, clock)
	if err != nil {
		return fmt.Errorf("opening image %s: %w", imagePath, err)
	}
	defer store.Close()

	uid, gid, err := currentOwner()
	if err != nil {
		return fmt.Errorf("resolving mount owner: %w", err)
	}

	server := fs.New(store, uid, gid)

	mountCfg := &fuse.MountConfig{
		FSName:      "nufs",
		VolumeName:  "nufs",
		ReadOnly:    cfg.ReadOnly,
		ErrorLogger: log.New(os.Stderr, "fuse: ", 0),
	}
	if cfg.LogLevel == logger.Trace {
		mountCfg.DebugLogger = log.New(os.Stdout, "fuse: ", 0)
	}

	mfs, err := fuse.Mount(mountPoint, fuseutil.NewFileSystemServer(server), mountCfg)
	if err != nil {
		callDaemonizeSignalOutcome(err)
		return fmt.Errorf("mount: %w", err)
	}

	logger.Infof("mounted %s at %s", imagePath, mountPoint)
	callDaemonizeSignalOutcome(nil)
	return mfs.Join(context.Background())
}

// callDaemonizeSignalOutcome reports the mount outcome to a waiting parent
// process started via runDaemonized. It does not consult cfg.Foreground:
// the backgrounded child is itself re-execed with --foreground set.
func callDaemonizeSignalOutcome(err error) {
	if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
		logger.Errorf("failed to signal mount outcome to parent process: %v", sigErr)
	}
}

func runDaemonized(mountPoint, imagePath string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof("mounted %s at %s (daemonized)", imagePath, mountPoint)
	return nil
}

func currentOwner() (uid, gid uint32, err error) {
	u, err := user.Current()
	if err != nil {
		return 0, 0, err
	}
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(uid64), uint32(gid64), nil
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dLease/cmd/util"
	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockmgr"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("cli")

var (
	store   lockstore.ILockStore
	lockMgr lockmgr.ILockManager

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lease operations",
		PersistentPreRunE:  setupLockManager,
		PersistentPostRunE: closeStore,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lease",
		Long:  "Acquire a lease on key, waiting up to --acquire-timeout while it is held by someone else. Prints the owner ID needed to renew or release the lease.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// renewCmd represents the renew command
	renewCmd = &cobra.Command{
		Use:   "renew [key] [ownerID]",
		Short: "Extend a held lease by --ttl",
		Args:  cobra.ExactArgs(2),
		RunE:  runRenew,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key] [ownerID]",
		Short: "Release a previously acquired lease",
		Long:  "Release a lease using the key and the owner ID printed by the acquire command. Releasing a lease that no longer exists is reported but not an error.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	// statusCmd represents the status command
	statusCmd = &cobra.Command{
		Use:   "status [key]",
		Short: "Show who holds a lease and until when",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	// healthCmd represents the health command
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check the connection to the backend",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}

	// runCmd represents the run command
	runCmd = &cobra.Command{
		Use:   "run [key] -- [command...]",
		Short: "Run a command while holding a lease",
		Long:  "Acquire the lease on key, run the command while renewing the lease every ttl/2 and release it when the command exits. If the lease is lost the command is killed.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runWithLease,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	LockCommands.AddCommand(acquireCmd, renewCmd, releaseCmd, statusCmd, healthCmd, runCmd)

	util.SetupBackendFlags(LockCommands)

	key := "timeout"
	LockCommands.PersistentFlags().Duration(key, 10*time.Second, util.WrapString("Timeout of a single backend operation"))

	key = "ttl"
	LockCommands.PersistentFlags().Duration(key, lockmgr.DefaultDefaults.TTL, util.WrapString("Lease duration"))

	key = "acquire-timeout"
	LockCommands.PersistentFlags().Duration(key, lockmgr.DefaultDefaults.AcquireTimeout, util.WrapString("How long acquire waits for a held lease (0 for a single attempt)"))

	key = "poll-interval"
	LockCommands.PersistentFlags().Duration(key, lockmgr.DefaultDefaults.PollInterval, util.WrapString("Pause between two acquire attempts (randomized by 20%)"))

	key = "owner"
	acquireCmd.Flags().String(key, "", util.WrapString("Owner ID to acquire with (default: <hostname>-<pid>-<uuid>)"))
	runCmd.Flags().String(key, "", util.WrapString("Owner ID to acquire with (default: <hostname>-<pid>-<uuid>)"))

	key = "print-metrics"
	runCmd.Flags().Bool(key, false, util.WrapString("Print the lease metrics in prometheus format to stderr on exit"))
}

// setupLockManager connects to the backend and creates the lock manager
func setupLockManager(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := util.GetBackendConfig()
	if err != nil {
		return err
	}
	log.Debugf("backend configuration:%s", conf)

	ctx, cancel := util.CommandContext(cmd, 0)
	defer cancel()

	store, err = util.OpenStore(ctx, conf, clock.System())
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", conf.Backend, err)
	}

	ttl, acquireTimeout, pollInterval := util.LeaseDefaults()
	lockMgr = lockmgr.NewLockManager(store, lockmgr.WithDefaults(lockmgr.Defaults{
		TTL:            ttl,
		AcquireTimeout: acquireTimeout,
		PollInterval:   pollInterval,
	}))
	return nil
}

func closeStore(_ *cobra.Command, _ []string) error {
	if store == nil {
		return nil
	}
	err := store.Close()
	store = nil
	return err
}

func ownerFlag(cmd *cobra.Command) string {
	if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
		return owner
	}
	return lockmgr.NewOwnerID()
}

// runAcquire handles the acquire command
func runAcquire(cmd *cobra.Command, args []string) error {
	key := args[0]
	owner := ownerFlag(cmd)
	d := lockMgr.Defaults()

	ctx, cancel := util.CommandContext(cmd, d.AcquireTimeout)
	defer cancel()

	acquired, err := lockMgr.Acquire(ctx, key, owner, d.TTL, d.AcquireTimeout, d.PollInterval)
	if errors.Is(err, lockstore.ErrTimeout) {
		fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "acquired=%v owner=%s\n", acquired, owner)
	return nil
}

// runRenew handles the renew command
func runRenew(cmd *cobra.Command, args []string) error {
	ctx, cancel := util.CommandContext(cmd, 0)
	defer cancel()

	if err := lockMgr.Renew(ctx, args[0], args[1], lockMgr.Defaults().TTL); err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "renewed=true")
	return nil
}

// runRelease handles the release command
func runRelease(cmd *cobra.Command, args []string) error {
	ctx, cancel := util.CommandContext(cmd, 0)
	defer cancel()

	err := lockMgr.Release(ctx, args[0], args[1])
	switch {
	case err == nil:
		fmt.Fprintln(cmd.OutOrStdout(), "released=true")
	case errors.Is(err, lockstore.ErrNotFound):
		fmt.Fprintln(cmd.OutOrStdout(), "released=false (not found)")
	default:
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := util.CommandContext(cmd, 0)
	defer cancel()

	held, owner, expiresAt, err := lockMgr.IsLocked(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if owner == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "held=false")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "held=%v owner=%s expires_at=%s\n", held, owner, expiresAt.Format(time.RFC3339Nano))
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := util.CommandContext(cmd, 0)
	defer cancel()

	connected := store.Connected(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "connected=%v\n", connected)
	if !connected {
		return fmt.Errorf("backend %s is not reachable", viper.GetString("backend"))
	}
	return nil
}

// runWithLease handles the run command
func runWithLease(cmd *cobra.Command, args []string) error {
	key := args[0]
	argv := args[1:]
	if dash := cmd.ArgsLenAtDash(); dash > 0 {
		argv = args[dash:]
	}
	owner := ownerFlag(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if printMetrics, _ := cmd.Flags().GetBool("print-metrics"); printMetrics {
		defer lockmgr.WritePrometheus(cmd.ErrOrStderr())
	}

	return lockMgr.Hold(ctx, key, owner, func(ctx context.Context) error {
		log.Infof("%s holds %q, running %v", owner, key, argv)
		child := exec.CommandContext(ctx, argv[0], argv[1:]...)
		child.Stdin = os.Stdin
		child.Stdout = cmd.OutOrStdout()
		child.Stderr = cmd.ErrOrStderr()
		return child.Run()
	})
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/cmd/util"
)

var (
	errNotAcquired = errors.New("lock not acquired")
	errLockLost    = errors.New("lock lost while running")
)

// exitError carries the exit status of the command run under the lock.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}

	return 1
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run [key] -- [command] [args...]",
		Short: "Run a command while holding a lock",
		Long: util.WrapString("Acquire the lock, run the command and release the lock when the command exits. " +
			"If the lock is lost while the command runs, the command is killed."),
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocked(cmd, util.GetConfig(v), args[0], args[1:])
		},
	}
}

func newAcquireCmd(v *viper.Viper) *cobra.Command {
	acquireCmd := &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock and hold it",
		Long: util.WrapString("Acquire the lock and hold it until interrupted or until --hold has elapsed, " +
			"then release it."),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hold, err := cmd.Flags().GetDuration("hold")
			if err != nil {
				return err
			}

			return runAcquire(cmd, util.GetConfig(v), args[0], hold)
		},
	}

	acquireCmd.Flags().Duration("hold", 0, "how long to hold the lock, 0 holds until interrupted")

	return acquireCmd
}

// lock opens the backend and acquires key. The returned function releases the
// lock and closes the backend.
func lock(ctx context.Context, cfg util.Config, key string) (distlock.Handle, func() (bool, error), error) {
	locker, closeBackend, err := util.OpenLocker(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	client := distlock.NewClient(locker)
	h, ok := client.LockExpireRetrySleep(ctx, key, cfg.LockExpire(), cfg.Retries, cfg.Sleep)
	if !ok {
		closeBackend()
		return nil, nil, errNotAcquired
	}

	release := func() (bool, error) {
		defer closeBackend()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
		defer cancel()

		return client.ReleaseLock(ctx, h)
	}

	return h, release, nil
}

func runLocked(cmd *cobra.Command, cfg util.Config, key string, command []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, release, err := lock(ctx, cfg, key)
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	go func() {
		select {
		case <-h.Lost():
			close(lost)
			cancel()
		case <-workCtx.Done():
		}
	}()

	child := exec.CommandContext(workCtx, command[0], command[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	runErr := child.Run()
	cancel()

	if _, err = release(); err != nil {
		distlock.GetLogger().Error(err, "failed to release lock", "lockID", key)
	}

	select {
	case <-lost:
		return errLockLost
	default:
	}

	var exit *exec.ExitError
	if errors.As(runErr, &exit) {
		return &exitError{code: exit.ExitCode()}
	}

	return runErr
}

func runAcquire(cmd *cobra.Command, cfg util.Config, key string, hold time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	h, release, err := lock(ctx, cfg, key)
	if errors.Is(err, errNotAcquired) {
		fmt.Fprintln(out, "acquired=false")
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "acquired=true, key=%s, token=%s\n", h.Key(), h.Token())

	var timeout <-chan time.Time
	if hold > 0 {
		timer := time.NewTimer(hold)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case <-h.Lost():
		_, _ = release()
		fmt.Fprintln(out, "released=false")

		return errLockLost
	}

	released, err := release()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	fmt.Fprintf(out, "released=%v\n", released)

	return nil
}

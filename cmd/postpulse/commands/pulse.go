package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/pidfile"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/poster"
	"github.com/teranos/postpulse/poster/selectors"
	"github.com/teranos/postpulse/poster/wsdriver"
	"github.com/teranos/postpulse/pulse/jobs"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/sym"
)

// PulseCmd represents the pulse command - the scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse scheduler daemon",
	Long: sym.Pulse + ` Pulse daemon - runs scheduled posts one at a time.

The daemon:
- Resolves jobs a previous process left running
- Expires jobs that missed their window and recovers stuck ones
- Runs the highest-priority ready job through the browser driver
- Retries failures with exponential backoff (2m, 4m, 8m by default)
- Finishes the job in flight before exiting on Ctrl+C

Example:
  postpulse pulse start
  postpulse pulse status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the daemon in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	RunE:  runPulseStart,
}

// PulseStatusCmd reports job counts and whether a daemon owns the jobs directory
var PulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts and daemon ownership",
	RunE:  runPulseStatus,
}

func init() {
	PulseStatusCmd.Flags().Bool("json", false, "Output as JSON")
	PulseCmd.AddCommand(PulseStartCmd, PulseStatusCmd)
}

// selectorSource returns the configured selector file (watched when asked)
// or the built-in set. stop releases the watcher.
func selectorSource(cfg *am.Config, log *zap.SugaredLogger) (selectors.Source, func(), error) {
	if cfg.Selectors.Path == "" {
		return selectors.NewStatic(selectors.Default()), func() {}, nil
	}
	src, err := selectors.NewFileSource(cfg.Selectors.Path, cfg.Selectors.Constraint)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Selectors.Watch {
		return src, func() {}, nil
	}
	w, err := selectors.NewWatcher(src, log)
	if err != nil {
		return nil, nil, err
	}
	w.OnReload(func(version string, err error) {
		if err != nil {
			pterm.Warning.Printf("%s Selector reload rejected, keeping %s: %v\n", sym.Selector, src.Version(), err)
			return
		}
		pterm.Info.Printf("%s Selectors reloaded: %s\n", sym.Selector, version)
	})
	w.Start()
	return src, func() { _ = w.Stop() }, nil
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("pulse")

	release, err := pidfile.Acquire(cfg.Store.JobsDir)
	if err != nil {
		return errors.WithHint(err, "another postpulse daemon is using this jobs directory")
	}
	defer func() {
		if err := release(); err != nil {
			log.Warnw("Failed to remove pid file", logger.FieldError, err)
		}
	}()

	fmt.Printf("%s Starting Pulse daemon...\n", sym.PulseOpen)

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	execStore := schedule.NewExecutionStore(database)
	if retain := cfg.ExecutionRetention(); retain > 0 {
		if n, err := execStore.CleanupOldExecutions(time.Now().Add(-retain)); err != nil {
			log.Warnw("Failed to prune execution history", logger.FieldError, err)
		} else if n > 0 {
			log.Infow("Pruned execution history", logger.FieldCount, n)
		}
	}
	recorder := schedule.NewBufferedRecorder(execStore, cfg.Database.RecorderBatchSize, logger.ComponentLogger("pulse.history"))

	src, stopWatch, err := selectorSource(cfg, logger.ComponentLogger("selectors"))
	if err != nil {
		return errors.Wrap(err, "failed to load selectors")
	}
	defer stopWatch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := wsdriver.Dial(ctx, cfg.Driver.URL, cfg.DriverCallTimeout(), logger.ComponentLogger("driver"))
	if err != nil {
		return err
	}
	defer driver.Close()

	pcfg := cfg.PosterConfig()
	machine, err := poster.NewMachine(pcfg, driver, src, poster.NewPacer(pcfg.Pacing), logger.ComponentLogger("poster"))
	if err != nil {
		return err
	}

	m, err := newManager(cfg)
	if err != nil {
		return err
	}
	sched := schedule.New(m, recorder, cfg.ScheduleConfig(), logger.ComponentLogger("pulse.scheduler"))
	state, err := sched.Start(ctx, machine)
	if err != nil {
		return err
	}

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Jobs: %s (%d scheduled)\n", cfg.Store.JobsDir, state.Jobs[jobs.StatusScheduled])
	fmt.Printf("  Database: %s\n", cfg.GetDatabasePath())
	fmt.Printf("  Selectors: %s\n", src.Version())
	fmt.Printf("  Driver: %s\n", cfg.Driver.URL)
	fmt.Printf("  Poll interval: %v\n", cfg.ScheduleConfig().PollInterval)
	fmt.Printf("\n%s Press Ctrl+C to stop after the current post\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		fmt.Printf("\n%s Stopping after the current post...\n", sym.PulseClose)
	case <-sched.Done():
		log.Warnw("Scheduler loop exited on its own")
	case <-driver.Done():
		log.Errorw("Browser driver connection lost; stopping")
	}

	final, err := sched.Stop()
	fmt.Printf("%s Pulse daemon stopped after %d ticks (%d completed, %d failed, %d scheduled)\n",
		sym.PulseClose, final.Ticks,
		final.Jobs[jobs.StatusCompleted], final.Jobs[jobs.StatusFailed], final.Jobs[jobs.StatusScheduled])
	return err
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := openManager(cfg)
	if err != nil {
		return err
	}
	pid, err := pidfile.Owner(cfg.Store.JobsDir)
	if err != nil {
		return err
	}

	stats := m.Stats()
	next, hasNext := m.NextReady(time.Now())

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out := map[string]interface{}{"daemon_pid": pid, "jobs": stats}
		if hasNext {
			out["next_ready"] = next.ID
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode status")
		}
		fmt.Println(string(data))
		return nil
	}

	if pid != 0 {
		pterm.Success.Printf("%s Daemon running (pid %d)\n", sym.Pulse, pid)
	} else {
		pterm.Info.Printf("%s No daemon running\n", sym.Pulse)
	}
	rows := pterm.TableData{{"Status", "Jobs"}}
	for _, st := range []jobs.Status{jobs.StatusScheduled, jobs.StatusRunning, jobs.StatusCompleted,
		jobs.StatusFailed, jobs.StatusExpired, jobs.StatusCancelled} {
		rows = append(rows, []string{sym.ForStatus(string(st)) + " " + string(st), fmt.Sprint(stats[st])})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if hasNext {
		pterm.Info.Printf("Next ready: %s (%s, %s)\n", next.ShortID(), next.AccountID, next.Priority)
	}
	return nil
}

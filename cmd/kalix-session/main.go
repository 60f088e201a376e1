package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chasegan/kalix-core/cli"
	"github.com/chasegan/kalix-core/config"
	"github.com/chasegan/kalix-core/kalixcli"
	"github.com/chasegan/kalix-core/logger"
	"github.com/chasegan/kalix-core/manager"
	"github.com/chasegan/kalix-core/process"
	"github.com/chasegan/kalix-core/session"
	"github.com/chasegan/kalix-core/watcher"
	"github.com/spf13/cobra"
)

const appVersion = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "kalix-session",
		Short: "Drive kalixcli modeling sessions from the command line",
		Long:  "kalix-session spawns kalixcli engines in stdio mode, runs models through them, and reports on engine health.",
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newDoctorCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <model.ini>",
		Short: "Run a model through a fresh kalixcli session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath := args[0]
			watch, _ := cmd.Flags().GetBool("watch")
			debug, _ := cmd.Flags().GetBool("debug")

			if _, err := os.Stat(modelPath); err != nil {
				return fmt.Errorf("model file: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logPath, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			if err := logger.Init(logPath); err != nil {
				return err
			}
			defer logger.Close()
			logger.SetDebug(debug || cfg.GetLogLevel() == "debug")

			sm := manager.NewSessionManager(cfg)
			defer sm.Shutdown()

			sess, err := sm.CreateSession(manager.CreateOptions{})
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}

			var last string
			if err := waitReady(sess, 30*time.Second, &last); err != nil {
				return err
			}

			err = runModel(sm, sess, modelPath, &last)
			if !watch {
				return err
			}
			if err != nil {
				fmt.Printf("Run failed: %v\n", err)
			}

			return watchModel(cfg, sm, sess, modelPath, &last)
		},
	}

	cmd.Flags().Bool("watch", false, "Re-run whenever the model file changes")
	cmd.Flags().Bool("debug", false, "Enable debug logging")
	return cmd
}

// waitReady polls until the session finishes its startup handshake with the
// engine.
func waitReady(sess *session.Session, timeout time.Duration, last *string) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		printStatus(sess, last)
		if sess.State() == session.StateReady {
			return nil
		}
		if !sess.IsActive() {
			return fmt.Errorf("session ended during startup: %s", sess.StateDescription())
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for kalixcli to become ready")
}

// runModel starts one model run and polls it to a terminal phase, echoing
// each status line change along the way.
func runModel(sm *manager.SessionManager, sess *session.Session, modelPath string, last *string) error {
	if err := sm.RunModelFile(sess.ID, modelPath); err != nil {
		return err
	}
	prog := sess.Program()
	for {
		printStatus(sess, last)
		if prog.IsCompleted() {
			if outs := prog.Outputs(); len(outs) > 0 {
				fmt.Printf("%d output series generated\n", len(outs))
			}
			return nil
		}
		if prog.IsFailed() {
			return fmt.Errorf("run failed")
		}
		if !sess.IsActive() {
			return fmt.Errorf("session ended mid-run: %s", sess.StateDescription())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// watchModel re-runs the model on the same session whenever the file
// changes, until interrupted or the session dies.
func watchModel(cfg *config.Config, sm *manager.SessionManager, sess *session.Session, modelPath string, last *string) error {
	changes := make(chan string, 1)
	w := watcher.New(cfg.GetWatchDebounce(), func(path string) {
		select {
		case changes <- path:
		default:
		}
	})
	defer w.Close()
	if err := w.Watch(modelPath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", modelPath, err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	fmt.Printf("Watching %s for changes (press Ctrl-C to stop)\n", modelPath)
	for {
		select {
		case <-changes:
			fmt.Println("Model changed, re-running")
			if err := runModel(sm, sess, modelPath, last); err != nil {
				fmt.Printf("Run failed: %v\n", err)
			}
		case <-sigs:
			fmt.Println("Shutting down")
			return nil
		case <-sess.Done():
			return fmt.Errorf("session ended: %s", sess.StateDescription())
		}
	}
}

// printStatus echoes the session status line when it changed since the last
// poll.
func printStatus(sess *session.Session, last *string) {
	if desc := sess.StateDescription(); desc != *last {
		fmt.Println(desc)
		*last = desc
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List running kalixcli engine processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := process.FindEngineProcesses()
			if err != nil {
				return fmt.Errorf("failed to scan for engines: %w", err)
			}
			if len(procs) == 0 {
				fmt.Println("No kalixcli engines running.")
				return nil
			}
			fmt.Printf("%-8s %s\n", "PID", "COMMAND")
			for _, p := range procs {
				fmt.Printf("%-8d %s\n", p.PID, p.Command)
			}
			return nil
		},
	}
}

func newDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check engine availability and report orphaned processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			killOrphans, _ := cmd.Flags().GetBool("kill-orphans")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Println(cli.FormatCheckResults(cli.CheckAll(cli.DefaultPrerequisites())))

			loc, err := kalixcli.Locate(cfg.GetCLIPath())
			if err != nil {
				fmt.Printf("Engine: not found (%v)\n", err)
			} else {
				origin := "configured path"
				if loc.InPath {
					origin = "PATH"
				}
				if loc.Version != "" {
					fmt.Printf("Engine: %s (%s, via %s)\n", loc.Path, loc.Version, origin)
				} else {
					fmt.Printf("Engine: %s (via %s)\n", loc.Path, origin)
				}
			}

			// Doctor spawns no engines itself, so every engine it can see
			// is an orphan.
			orphans, err := process.FindOrphanedEngineProcesses(nil)
			if err != nil {
				return fmt.Errorf("failed to scan for orphans: %w", err)
			}
			if len(orphans) == 0 {
				fmt.Println("No orphaned engine processes.")
				return nil
			}
			fmt.Printf("%d orphaned engine process(es):\n", len(orphans))
			for _, p := range orphans {
				fmt.Printf("  %-8d %s\n", p.PID, p.Command)
			}
			if !killOrphans {
				fmt.Println("Run with --kill-orphans to terminate them.")
				return nil
			}
			killed, err := process.CleanupOrphanedProcesses(nil)
			if err != nil {
				return err
			}
			fmt.Printf("Killed %d orphaned process(es)\n", killed)
			return nil
		},
	}

	cmd.Flags().Bool("kill-orphans", false, "Kill orphaned kalixcli engines")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kalix-session version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("kalix-session %s\n", appVersion)
			return nil
		},
	}
}

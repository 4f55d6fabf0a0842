package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaysteelmind/dmm/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the dmm daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Idempotent start: reuse a live daemon for the same memory root.
		if status := daemon.Probe(basePath, cfg.Daemon.Host, cfg.Daemon.Port); status.Running && status.Health == "healthy" {
			fmt.Printf("daemon already running (pid %d) at %s\n", status.PID, status.URL)
			return nil
		}

		pidFile, err := daemon.AcquirePID(basePath)
		if err != nil {
			return err
		}
		defer pidFile.Remove()

		server, err := daemon.New(cfg, basePath, selectProvider(cfg))
		if err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			if err := server.Shutdown(); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
			}
		}()

		return server.Start()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pidFile := daemon.NewPIDFile(basePath)
		pid := pidFile.Read()
		if pid == 0 || !daemon.ProcessAlive(pid) {
			pidFile.Remove()
			fmt.Println("daemon not running")
			return nil
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("stopping pid %d: %w", pid, err)
		}

		deadline := time.Now().Add(time.Duration(cfg.Daemon.GracefulShutdownMS) * time.Millisecond)
		for time.Now().Before(deadline) {
			if !daemon.ProcessAlive(pid) {
				pidFile.Remove()
				fmt.Printf("daemon stopped (pid %d)\n", pid)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}

		if err := proc.Signal(syscall.SIGKILL); err == nil {
			pidFile.Remove()
			fmt.Printf("daemon force killed (pid %d)\n", pid)
			return nil
		}
		return fmt.Errorf("daemon did not stop within the graceful timeout")
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		status := daemon.Probe(basePath, cfg.Daemon.Host, cfg.Daemon.Port)
		printJSON(status)
		if !status.Running {
			exitCode = exitDaemonNotRunning
			return fmt.Errorf("daemon not running")
		}
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

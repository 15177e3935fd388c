package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/schedulezero/schedulezero/config"
	"github.com/schedulezero/schedulezero/internal/app"
	"github.com/schedulezero/schedulezero/internal/domain"
	ctxlog "github.com/schedulezero/schedulezero/internal/log"
)

const (
	shutdownTimeout = 15 * time.Second
	stopWait        = 30 * time.Second
)

func newServerCmd() *cobra.Command {
	var envFile string

	server := &cobra.Command{
		Use:   "server",
		Short: "Manage the scheduler server",
	}
	server.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file before reading config")

	start := &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(envFile)
		},
	}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Signal the running server and wait for it to exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(envFile)
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether the server is running and ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(envFile)
		},
	}

	server.AddCommand(start, stop, status)
	return server
}

func loadConfig(envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, exitWith(ExitConfig, fmt.Errorf("load env file %s: %w", envFile, err))
		}
	} else {
		// A local .env is optional.
		_ = godotenv.Load()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, exitWith(ExitConfig, err)
	}
	return cfg, nil
}

func runStart(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	logger := ctxlog.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return exitWith(ExitStoreUnavailable, err)
		}
		return err
	}

	if err := writePIDFile(cfg.PIDFile); err != nil {
		return err
	}
	defer os.Remove(cfg.PIDFile)

	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Stop(shutdownCtx)
	return nil
}

func runStop(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	pid, err := readPIDFile(cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("server does not appear to be running: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			fmt.Printf("server stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server (pid %d) did not exit within %s", pid, stopWait)
}

func runStatus(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	pid, err := readPIDFile(cfg.PIDFile)
	if err != nil || syscall.Kill(pid, 0) != nil {
		return errors.New("server is not running")
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + probeHost(cfg.MetricsListen) + "/readyz")
	if err != nil {
		fmt.Printf("server running (pid %d), readiness probe unreachable\n", pid)
		return exitWith(ExitStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("server running (pid %d), store unavailable\n", pid)
		return exitWith(ExitStoreUnavailable, fmt.Errorf("readiness probe returned %d", resp.StatusCode))
	}
	fmt.Printf("server running (pid %d), ready\n", pid)
	return nil
}

func probeHost(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

func writePIDFile(path string) error {
	if pid, err := readPIDFile(path); err == nil && syscall.Kill(pid, 0) == nil {
		return fmt.Errorf("server already running with pid %d", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

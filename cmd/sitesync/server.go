package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sitesync/internal/api"
	"github.com/kalambet/sitesync/internal/config"
	"github.com/kalambet/sitesync/internal/connectivity"
	"github.com/kalambet/sitesync/internal/notify"
	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/session"
	"github.com/kalambet/sitesync/internal/site"
	"github.com/kalambet/sitesync/internal/siteapi"
	"github.com/kalambet/sitesync/internal/storage"
	"github.com/kalambet/sitesync/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sitesync daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sitesync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sitesync.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sitesync.lock")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(parent context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "sitesync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// The queue slot has exactly one writer: the process holding this lock.
	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("sitesync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return errors.New("another sitesync instance holds the data directory")
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "file", config.TokenFilePath(cfg.Storage.DataDir))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	client := siteapi.New(cfg.API.BaseURL, nil)
	client.SetTimeout(cfg.API.Timeout)
	sess := session.NewManager(store, client)
	client.SetTokenSource(sess)
	client.OnUnauthorized(func() {
		slog.Warn("site API rejected the session token, logging out")
		if err := sess.Logout(); err != nil {
			slog.Error("clearing session", "error", err)
		}
	})

	monitor := connectivity.NewMonitor(client, cfg.Sync.ProbeInterval)
	if monitor.Start(ctx) {
		printStatus("Site API", "reachable at %s", client.BaseURL())
	} else {
		printWarning("Site API at %s is unreachable; writes will be queued", client.BaseURL())
	}

	queue, err := offline.New(store, client, offline.Options{
		Online:   monitor,
		Notifier: notify.NewService(cfg.Notify.NtfyTopic, 5*time.Second),
		Policy:   cfg.DropPolicy(),
	})
	if err != nil {
		return fmt.Errorf("loading offline queue: %w", err)
	}

	runner := syncer.NewRunner(queue, monitor.Transitions(), cfg.Sync.Interval)

	var locator site.Locator
	if pos, ok := cfg.Position(); ok {
		locator = site.FixedLocator(pos)
		printStatus("Site position", "%.5f, %.5f", pos[0], pos[1])
	}

	handler := api.NewAppHandler(api.AppDeps{
		Queue:    queue,
		Site:     site.NewService(client, queue, locator),
		Session:  sess,
		Projects: client,
		History:  store,
		Token:    apiToken,
		Trigger:  runner.Trigger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "sitesync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Queue: queue, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("sitesync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop sitesync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to sitesync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			if st, err := fetchStatus(ctx, client); err == nil {
				printDaemonStatus(st)
			} else {
				printWarning("could not read daemon status: %v", err)
			}
		}
	}

	printStatus("Site API", "%s", cfg.API.BaseURL)
	printStatus("Drop policy", "%s", cfg.DropPolicy())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStatus(ctx context.Context, client *apiClient) (api.StatusResponse, error) {
	var st api.StatusResponse
	resp, err := client.get(ctx, "/status")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func printDaemonStatus(st api.StatusResponse) {
	if st.Online {
		printStatus("Connectivity", "%s", colorize(colorGreen, "online"))
	} else {
		printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Pending", "%d", st.Pending)
	printStatus("Dropped", "%d", st.Dropped)
	if st.Authenticated {
		printStatus("Session", "signed in")
	} else {
		printStatus("Session", "signed out")
	}
	if st.LastSync != nil {
		printStatus("Last sync", "%s (%d synced, %d dropped, %d retained)",
			st.LastSync.FinishedAt.Local().Format(time.DateTime),
			st.LastSync.Synced, st.LastSync.Dropped, st.LastSync.Retained)
	} else {
		printStatus("Last sync", "never")
	}
}

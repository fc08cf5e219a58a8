package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/config"
	"github.com/teranos/loom/httpd"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/tasks"
	"github.com/teranos/loom/version"
)

// ServeCmd starts the demo HTTP/WebSocket server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the demo HTTP/WebSocket server",
	Long: `Start an HTTP/1.1 server with a WebSocket echo endpoint, backed by
the loom task group. Endpoints:

  GET /healthz   - liveness probe
  GET /status    - task group and memory metrics (JSON)
  GET /version   - build information (JSON)
  GET /echo      - WebSocket echo (upgrade required)`,
	RunE: runServe,
}

var (
	servePort       int
	serveConfigPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path (default: loom.toml discovery)")
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFromFile(serveConfigPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	wd := tasks.NewWatchdog(time.Duration(cfg.Tasks.WatchdogTimeoutSeconds) * time.Second)
	group, err := tasks.NewGroup(cfg.Tasks.Workers, wd)
	if err != nil {
		return err
	}
	defer group.Close()

	router := httpd.NewRouter()
	router.Get("/healthz", func(c *httpd.Ctx) { c.Text("ok") })
	router.Get("/version", func(c *httpd.Ctx) { c.JSON(version.Get()) })
	router.Get("/status", func(c *httpd.Ctx) { c.JSON(group.SystemMetrics()) })
	router.Get("/echo", func(c *httpd.Ctx) {
		c.Request.Conn.UpgradeToWebsocket(c.Request)
	})
	router.Websocket(func(msg *httpd.WebsocketMessage) {
		if msg.IsText {
			msg.Conn.SendWebsocketMessageText(msg.Data)
		} else {
			msg.Conn.SendWebsocketMessage(msg.Data)
		}
	})

	srv := httpd.NewServer(group.Main(), router)
	srv.SetMaxRequestBytes(cfg.Server.MaxRequestBytes)
	for _, origin := range cfg.Server.AllowedOrigins {
		srv.AddAllowedOrigin(origin)
	}

	started := make(chan error, 1)
	group.PostTask(func() { started <- srv.Start(port) })
	if err := <-started; err != nil {
		return err
	}

	info := version.Get()
	logger.Infow("loom server up",
		"port", port,
		"version", info.Short(),
		"workers", group.Size(),
	)
	fmt.Printf("loom %s serving on port %d\n", info.Short(), port)

	// Optional config hot-reload when a concrete file is in play.
	if serveConfigPath != "" {
		watcher, err := config.NewWatcher(serveConfigPath)
		if err != nil {
			logger.Warnw("config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				logger.Infow("config reloaded; restart to apply server changes")
				return nil
			})
			watcher.Start()
			defer watcher.Close()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Infow("shutting down", "signal", s.String())

	done := make(chan struct{})
	group.PostTask(func() { srv.Stop(); close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warnw("server stop timed out")
	}
	return nil
}

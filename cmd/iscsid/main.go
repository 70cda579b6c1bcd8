// iscsid -- user-space iSCSI initiator daemon (RFC 3720).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sdactivation "github.com/coreos/go-systemd/v22/activation"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/goiscsi/iscsid/internal/config"
	"github.com/goiscsi/iscsid/internal/daemon"
	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/keychain"
	iscsimetrics "github.com/goiscsi/iscsid/internal/metrics"
	"github.com/goiscsi/iscsid/internal/store"
	appversion "github.com/goiscsi/iscsid/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server
// to drain and for best-effort logouts during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// defaultIQNPrefix forms the initiator name when neither the store nor
// the configuration provides one.
const defaultIQNPrefix = "iqn.2016-04.com.goiscsi:"

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("iscsid starting",
		slog.String("version", appversion.Version),
		slog.String("socket", cfg.Socket.Path),
	)

	// 4. SIGPIPE from dying clients must not kill the daemon.
	signal.Ignore(syscall.SIGPIPE)

	if err := runDaemon(cfg, logger); err != nil {
		logger.Error("iscsid exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("iscsid stopped")
	return 0
}

// newLogger builds the process logger from the log configuration.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// runDaemon wires the engine together and runs it under an errgroup
// with a signal-aware context.
func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Daemon.StorePath)
	if err != nil {
		return fmt.Errorf("open node store: %w", err)
	}
	kc := keychain.Open(cfg.Daemon.KeychainPath)

	iqn, alias, err := initiatorIdentity(cfg, st)
	if err != nil {
		return fmt.Errorf("initiator identity: %w", err)
	}
	logger.Info("initiator identity",
		slog.String("iqn", iqn),
		slog.String("alias", alias),
	)

	reg := prometheus.NewRegistry()
	collector := iscsimetrics.NewCollector(reg)

	transport := iscsi.NewTCPTransport()
	manager := iscsi.NewManager(logger, transport, iqn, alias,
		iscsi.WithManagerMetrics(collector),
		iscsi.WithLoginTimeout(cfg.Daemon.LoginTimeout),
	)
	discoverer := iscsi.NewDiscoverer(manager, logger)
	scheduler := daemon.NewScheduler(logger, st, discoverer, collector)
	power := daemon.NewPowerMonitor(logger, manager, nil)
	server := daemon.NewServer(logger, manager, discoverer, st, kc, scheduler, iqn)

	listener, err := clientListener(cfg.Socket.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Serve(gCtx, listener) })
	g.Go(func() error { return scheduler.Run(gCtx) })
	g.Go(func() error { return power.Run(gCtx) })

	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutCtx)
		})
	}

	// Auto-login after the servers are up; failures only log.
	server.AutoLogin(gCtx)

	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyReady)

	err = g.Wait()

	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	// Best-effort logouts so targets see clean session closes.
	logoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	manager.LogoutAll(logoutCtx)

	return err
}

// initiatorIdentity resolves the initiator IQN and alias from the
// configuration, the store, or generated defaults, persisting a
// generated identity for subsequent runs.
func initiatorIdentity(cfg *config.Config, st *store.Store) (string, string, error) {
	iqn := cfg.Daemon.InitiatorIQN
	if iqn == "" {
		iqn = st.InitiatorIQN()
	}

	alias := cfg.Daemon.InitiatorAlias
	if alias == "" {
		alias = st.InitiatorAlias()
	}
	if alias == "" {
		alias, _ = os.Hostname()
	}

	if iqn == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "localhost"
		}
		iqn = defaultIQNPrefix + host
		if err := st.SetInitiator(iqn, alias); err != nil {
			return "", "", err
		}
	}

	return iqn, alias, nil
}

// clientListener returns the daemon socket: the listener passed in by
// the launch agent when socket activated, or a freshly bound unix
// socket at the configured path.
func clientListener(path string, logger *slog.Logger) (net.Listener, error) {
	listeners, err := sdactivation.Listeners()
	if err == nil && len(listeners) > 0 && listeners[0] != nil {
		logger.Info("using socket-activated listener")
		return listeners[0], nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	// A previous unclean exit may have left the socket file behind.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind client socket %s: %w", path, err)
	}

	return ln, nil
}

// newMetricsServer builds the Prometheus metrics HTTP server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/netutil"

	"github.com/guni1192/droprelay/relay/api"
	"github.com/guni1192/droprelay/relay/audit"
	"github.com/guni1192/droprelay/relay/codes"
	"github.com/guni1192/droprelay/relay/config"
	"github.com/guni1192/droprelay/relay/coordinator"
	"github.com/guni1192/droprelay/relay/logger"
	"github.com/guni1192/droprelay/relay/ratelimit"
	"github.com/guni1192/droprelay/relay/session"
	"github.com/guni1192/droprelay/relay/storage"
	"github.com/guni1192/droprelay/relay/transport"
)

var version = "dev"

var (
	sessionManager *session.Manager
	coord          *coordinator.Coordinator
	auditLogger    *audit.Logger
	sysLogger      *slog.Logger
	healthChecker  *api.HealthChecker
)

func main() {
	// Bootstrap logger until the configured one is known
	sysLogger = logger.New(os.Stdout, slog.LevelInfo)

	healthChecker = api.NewHealthChecker(version)

	cfg := loadConfig()

	level, _ := logger.ParseLevel(cfg.Log.Level)
	format := logger.Format(cfg.Log.Format)
	sysLogger = logger.NewWithFormat(os.Stdout, level, format)

	// Initialize audit logger
	auditLogger = audit.NewLogger(audit.NewFormatter(format), os.Stdout)
	auditLogger.SetErrorLogger(sysLogger)
	defer auditLogger.Close()

	// Pickup codes are shared by live sessions and stored files
	allocator := codes.NewAllocator(codes.Config{})
	defer allocator.Close()

	sessionManager = session.NewManager(allocator)

	limiter, err := ratelimit.NewEngine(cfg.RateLimits.Rules(), sysLogger)
	if err != nil {
		fatal("RateLimit", "Failed to create rate limiter", err)
	}

	coord = coordinator.New(sessionManager, limiter, auditLogger, sysLogger, coordinator.OptionsFromConfig(cfg))
	healthChecker.SetStats(coord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coord.Run(ctx)

	var store storage.Store
	if cfg.Features.Storage {
		fs, err := storage.NewFileStore(storage.Config{
			Dir:              cfg.Storage.UploadDir,
			MaxFileSize:      cfg.Storage.MaxFileSize,
			Retention:        cfg.Storage.Retention,
			DeleteOnDownload: cfg.Storage.DeleteOnDownload,
			OrphanAge:        cfg.Storage.OrphanAge,
		}, allocator, sysLogger)
		if err != nil {
			fatal("Storage", "Failed to open storage", err)
		}
		fs.Sweep(time.Now())
		go fs.Run(ctx, cfg.Session.SweepInterval)
		store = fs
		sysLogger.Info("Storage ready",
			slog.String("component", "Storage"),
			slog.String("upload_dir", cfg.Storage.UploadDir),
			slog.Duration("retention", cfg.Storage.Retention),
		)
	}

	srv := transport.New(transport.Config{
		Coordinator:  coord,
		Store:        store,
		Limiter:      limiter,
		Audit:        auditLogger,
		Health:       healthChecker,
		Features:     api.NewFeatures(cfg.Features, cfg.Storage),
		Logger:       sysLogger,
		MaxChunkSize: cfg.Relay.MaxChunkSize,
	})
	handler := srv.Handler()

	// Optional HTTP/3 listener for downloads
	var h3Server *http3.Server
	if cfg.HTTP3Addr != "" {
		tlsConfig, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			fatal("TLS", "Failed to load TLS config", err)
		}
		h3Server = &http3.Server{
			Addr:      cfg.HTTP3Addr,
			Handler:   handler,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				KeepAlivePeriod: 10 * time.Second,
				MaxIdleTimeout:  300 * time.Second,
			},
		}
		handler = advertiseHTTP3(h3Server, handler)

		go func() {
			sysLogger.Info("Starting HTTP/3 server",
				slog.String("component", "Server"),
				slog.String("address", cfg.HTTP3Addr),
			)
			if err := h3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sysLogger.Error("HTTP/3 server error",
					slog.String("component", "Server"),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fatal("Server", "Failed to listen", err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		sysLogger.Info("Starting HTTP server",
			slog.String("component", "Server"),
			slog.String("address", ln.Addr().String()),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sysLogger.Error("Server error",
				slog.String("component", "Server"),
				slog.String("error", err.Error()),
			)
		}
	}()

	healthChecker.SetReady(true)
	sysLogger.Info("Service ready",
		slog.String("component", "System"),
		slog.String("version", version),
		slog.Bool("relay", cfg.Features.Relay),
		slog.Bool("p2p", cfg.Features.P2P),
		slog.Bool("storage", cfg.Features.Storage),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	sysLogger.Info("Received shutdown signal",
		slog.String("component", "System"),
		slog.String("signal", sig.String()),
	)

	// Mark as not ready (stop accepting new connections)
	healthChecker.SetReady(false)

	// Let running transfers finish (max 30 seconds)
	sysLogger.Info("Draining sessions",
		slog.String("component", "System"),
		slog.Int("active_sessions", sessionManager.Count()),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

drain:
	for {
		select {
		case <-shutdownCtx.Done():
			sysLogger.Warn("Shutdown timeout reached",
				slog.String("component", "System"),
				slog.Int("remaining_sessions", sessionManager.Count()),
			)
			break drain
		case <-ticker.C:
			remaining := sessionManager.Count()
			if remaining == 0 {
				sysLogger.Info("All sessions closed",
					slog.String("component", "System"),
				)
				break drain
			}
			sysLogger.Debug("Waiting for sessions to close",
				slog.String("component", "System"),
				slog.Int("remaining_sessions", remaining),
			)
		}
	}

	// Cleanup resources in proper order
	sysLogger.Info("Cleaning up resources",
		slog.String("component", "System"),
	)

	// Aborting what is left releases open downloads so Shutdown can finish.
	coord.Close()
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := httpServer.Shutdown(closeCtx); err != nil {
		sysLogger.Error("Error closing server",
			slog.String("component", "Server"),
			slog.String("error", err.Error()),
		)
	}
	if h3Server != nil {
		h3Server.Close()
	}
	if store != nil {
		store.Close()
	}

	sysLogger.Info("Shutdown complete",
		slog.String("component", "System"),
	)
}

// loadConfig reads CONFIG_PATH, falling back to defaults when the file does
// not exist, then applies environment overrides.
func loadConfig() *config.Config {
	path := getEnv("CONFIG_PATH", "config.yaml")
	source := config.NewYAMLFileSource(path)
	defer source.Close()

	cfg, err := source.Load(context.Background())
	switch {
	case errors.Is(err, config.ErrConfigNotFound):
		sysLogger.Warn("Config file not found, using defaults",
			slog.String("component", "Config"),
			slog.String("config_path", path),
		)
		cfg = config.Default()
	case err != nil:
		fatal("Config", "Failed to load config", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		fatal("Config", "Invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("Config", "Invalid config", err)
	}
	return cfg
}

// advertiseHTTP3 adds Alt-Svc headers so clients can switch to HTTP/3.
func advertiseHTTP3(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

func fatal(component, msg string, err error) {
	sysLogger.Error(msg,
		slog.String("component", component),
		slog.String("error", err.Error()),
	)
	log.Fatalf("%s: %v", msg, err)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadTLSConfig loads the configured certificate pair, or generates a
// self-signed one when none is set.
func loadTLSConfig(c config.TLS) (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		sysLogger.Warn("Using self-signed certificate",
			slog.String("component", "TLS"),
		)
		return generateTLSConfig(), nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{http3.NextProtoH3},
	}, nil
}

// generateTLSConfig generates self-signed TLS config
func generateTLSConfig() *tls.Config {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"droprelay dev"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour * 24 * 365),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("0.0.0.0")},
		DNSNames:     []string{"localhost"},
	}
	certDER, _ := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, _ := tls.X509KeyPair(certPEM, keyPEM)
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}

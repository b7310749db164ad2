package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"voicegate/internal/bandit"
	"voicegate/internal/config"
	"voicegate/internal/control"
	"voicegate/internal/costlog"
	"voicegate/internal/deployguard"
	"voicegate/internal/gateway"
	"voicegate/internal/metrics"
	"voicegate/internal/nonce"
	"voicegate/internal/session"
	"voicegate/internal/storage"
	"voicegate/internal/telemetry"
	"voicegate/internal/variant"
)

func main() {
	configPath := flag.String("config", "configs/voicegate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting voicegate",
		"listen", cfg.Listen,
		"realtime_backend", cfg.Realtime.Backend,
		"session_store", cfg.Session.Store,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session registry
	var store session.Store
	var redisStore *session.RedisStore
	switch cfg.Session.Store {
	case "redis":
		redisStore, err = session.NewRedisStore(session.RedisConfig{
			Addr:      cfg.Session.Redis.Addr,
			Password:  cfg.Session.Redis.Password,
			DB:        cfg.Session.Redis.DB,
			KeyPrefix: cfg.Session.Redis.KeyPrefix,
		}, cfg.Session.IdleTimeout)
		if err != nil {
			slog.Error("failed to connect to redis session store", "error", err)
			os.Exit(1)
		}
		store = redisStore
		slog.Info("using redis session store", "addr", cfg.Session.Redis.Addr)
	default:
		store = session.NewMemoryStore()
		slog.Info("using in-memory session store")
	}
	registry := session.NewRegistry(store, cfg.Session.IdleTimeout, cfg.Session.GracePeriod)
	go registry.Run(ctx)

	// Nonce replay store
	var nonceStore nonce.Store
	var nonceRedis *nonce.RedisStore
	switch cfg.Session.Store {
	case "redis":
		nonceRedis, err = nonce.NewRedisStore(nonce.RedisConfig{
			Addr:      cfg.Session.Redis.Addr,
			Password:  cfg.Session.Redis.Password,
			DB:        cfg.Session.Redis.DB,
			KeyPrefix: cfg.Session.Redis.KeyPrefix,
		})
		if err != nil {
			slog.Error("failed to connect to redis nonce store", "error", err)
			os.Exit(1)
		}
		nonceStore = nonceRedis
	default:
		nonceStore = nonce.NewMemoryStore(ctx, time.Minute)
	}

	// Policy bandit + deploy guard, seeded from configured variants.
	b := bandit.New(cfg.Policy.BanditStatePath)
	guard := deployguard.New(deployguard.Config{
		BaseVariant:              cfg.Policy.BaseVariant,
		TrafficSplitNew:          cfg.Policy.TrafficSplitNew,
		TrafficSplitUncertain:    cfg.Policy.TrafficSplitUncertain,
		BlacklistThresholdReward: cfg.Policy.BlacklistThresholdReward,
		MinPullsForEvaluation:    int64(cfg.Policy.MinPullsForEvaluation),
		UncertaintyThresholdConf: cfg.Policy.UncertaintyThresholdConfidence,
		MaxActiveVariants:        cfg.Policy.MaxActiveVariants,
	}, b, cfg.Policy.DeployStatePath)

	for _, ve := range cfg.Policy.Variants {
		params := make(map[string]any, len(ve.Params))
		for k, v := range ve.Params {
			params[k] = v
		}
		v := variant.Variant{ID: ve.ID, Name: ve.Name, Description: ve.Description, Params: params}
		if err := b.AddVariant(v); err != nil {
			slog.Error("failed to register variant with bandit", "variant", ve.ID, "error", err)
			os.Exit(1)
		}
		if ve.ID != cfg.Policy.BaseVariant {
			if err := guard.AddVariant(ve.ID); err != nil {
				slog.Warn("deploy guard rejected variant at startup", "variant", ve.ID, "error", err)
			}
		}
	}
	if err := b.AddVariant(variant.Variant{ID: cfg.Policy.BaseVariant, Name: "base"}); err != nil {
		slog.Error("failed to register base variant with bandit", "error", err)
		os.Exit(1)
	}

	// Call history persistence (CDR + reward audit trail).
	var callStore *storage.Store
	if cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			slog.Error("failed to create storage directory", "error", err)
			os.Exit(1)
		}
		callStore, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to open call store", "error", err)
			os.Exit(1)
		}
		slog.Info("call history persistence enabled", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)
	}

	// Telemetry (graceful degradation on failure).
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	metricsRegistry := metrics.New()

	var costLogger *costlog.Logger
	if cfg.CostLog.Enabled {
		costLogger = costlog.New(cfg.CostLog.Dir, costlog.Prices{
			STTPerMin: cfg.CostLog.STTPerMin,
			LLMPerMin: cfg.CostLog.LLMPerMin,
			TTSPerMin: cfg.CostLog.TTSPerMin,
		})
		slog.Info("per-call cost accounting enabled", "dir", cfg.CostLog.Dir)
	}

	gw := gateway.New(cfg, registry, b, guard, nonceStore, metricsRegistry, callStore, tp, costLogger)

	controlHandler := control.New(registry, b, guard, callStore, cfg.Control.Auth.Enabled, cfg.Control.Auth.APIKey)

	gatewayMux := http.NewServeMux()
	gatewayMux.Handle("/stream/", gw)
	gatewayMux.Handle("/metrics", metricsRegistry.Handler())

	gatewayServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      gatewayMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		gatewayServer.TLSConfig = tlsConfig
	}

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("gateway server starting (wss)", "addr", cfg.Listen)
			if err := gatewayServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("gateway server error: %w", err)
			}
		} else {
			slog.Info("gateway server starting (ws)", "addr", cfg.Listen)
			if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("gateway server error: %w", err)
			}
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("redis session store close error", "error", err)
		}
	}
	if nonceRedis != nil {
		if err := nonceRedis.Close(); err != nil {
			slog.Error("redis nonce store close error", "error", err)
		}
	}
	if callStore != nil {
		if err := callStore.Close(); err != nil {
			slog.Error("call store close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("voicegate stopped")
}

// setupTLS configures TLS for the gateway listener, following the teacher's
// auto-cert-for-development-else-load-from-disk pattern.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	switch {
	case cfg.AutoCert:
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	default:
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"voicegate Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "voicegate", "*.voicegate.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}

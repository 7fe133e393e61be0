package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/thinkdrop/user-memory-service/internal/config"
	"github.com/thinkdrop/user-memory-service/internal/embed"
	"github.com/thinkdrop/user-memory-service/internal/mcp"
	"github.com/thinkdrop/user-memory-service/internal/monitor"
	"github.com/thinkdrop/user-memory-service/internal/ocr"
	routeaux "github.com/thinkdrop/user-memory-service/internal/plugin/route/routeaux"
	"github.com/thinkdrop/user-memory-service/internal/plugin/route/memories"
	routesystem "github.com/thinkdrop/user-memory-service/internal/plugin/route/system"
	registryroute "github.com/thinkdrop/user-memory-service/internal/registry/route"
	"github.com/thinkdrop/user-memory-service/internal/security"
	"github.com/thinkdrop/user-memory-service/internal/service"
	"github.com/thinkdrop/user-memory-service/internal/store"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config   *config.Config
	Store    *store.Store
	Embedder *embed.Service
	Memory   *service.MemoryService
	Router   *gin.Engine
	Addr     string

	http      *http.Server
	monitor   *monitor.Monitor
	ocrWorker *ocr.Worker
	retention *service.RetentionService
	cancelBG  context.CancelFunc
	retDone   chan struct{}
	httpDone  chan struct{}
}

// StartServer initializes all subsystems and begins serving HTTP.
// Use cfg.Port=0 for an OS-assigned port; the bound address is Server.Addr.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting user-memory service",
		"port", cfg.Port,
		"db", cfg.DBPath,
		"embedding", cfg.EmbedType,
		"monitor", cfg.MonitorEnabled,
		"retention", cfg.RetentionEnabled,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)
	mcp.Observe = security.ObserveAction

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	em, err := embed.New(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := em.Init(config.WithContext(ctx, cfg)); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize embedder %q: %w", cfg.EmbedType, err)
	}

	svc := service.NewMemoryService(st, em, cfg)

	router, err := buildRouter(cfg, st, em, svc)
	if err != nil {
		em.Close()
		_ = st.Close()
		return nil, err
	}

	srv := &Server{
		Config:   cfg,
		Store:    st,
		Embedder: em,
		Memory:   svc,
		Router:   router,
		httpDone: make(chan struct{}),
	}

	// Background services run past request-context cancellation; they are
	// stopped explicitly during Shutdown.
	bgCtx, cancelBG := context.WithCancel(config.WithContext(context.Background(), cfg))
	srv.cancelBG = cancelBG

	if cfg.RetentionEnabled {
		srv.retention = service.NewRetentionService(st, cfg)
		svc.SetRetentionStats(func() any { return srv.retention.Stats() })
		srv.retDone = make(chan struct{})
		go func() {
			defer close(srv.retDone)
			srv.retention.Start(bgCtx)
		}()
	}

	if cfg.MonitorEnabled {
		worker := ocr.NewWorker(cfg.TesseractPath)
		if !worker.Available() {
			log.Warn("tesseract binary not found; screen OCR will fail until it is installed",
				"path", cfg.TesseractPath)
		}
		srv.ocrWorker = worker
		srv.monitor = monitor.New(cfg,
			monitor.SystemWindower{}, monitor.SystemCapturer{}, worker,
			monitor.SystemIdleDetector{}, svc)
		svc.SetMonitorStats(func() any { return srv.monitor.Counters() })
		go srv.monitor.Run(bgCtx)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		cancelBG()
		em.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	srv.Addr = ln.Addr().String()
	srv.http = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		defer close(srv.httpDone)
		if err := srv.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	log.Info("Server listening", "addr", srv.Addr)
	routesystem.MarkReady()
	return srv, nil
}

// Shutdown stops accepting requests, then stops the monitor and retention
// loops, checkpoints the database, and closes everything down.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	<-s.httpDone

	s.cancelBG()
	if s.monitor != nil {
		s.monitor.AwaitStop()
	}
	if s.ocrWorker != nil {
		s.ocrWorker.Stop()
	}
	if s.retDone != nil {
		select {
		case <-s.retDone:
		case <-ctx.Done():
			log.Warn("Retention loop did not stop before drain deadline")
		}
	}

	if cerr := s.Store.Checkpoint(ctx); cerr != nil {
		log.Warn("Final checkpoint failed", "err", cerr)
	}
	s.Embedder.Close()
	if cerr := s.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func buildRouter(cfg *config.Config, st *store.Store, em *embed.Service, svc *service.MemoryService) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.RequestTimeout > 0 {
		router.Use(requestTimeoutMiddleware(cfg.RequestTimeout))
	}
	if cfg.AllowedOrigins != "" {
		router.Use(corsMiddleware(cfg.AllowedOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	auth := security.AuthMiddleware(cfg.APIKeySet())
	memories.MountRoutes(router, svc, auth)
	routeaux.MountRoutes(router, st, em, cfg, auth)
	routesystem.MountRoutes(router, svc)

	// Health, readiness, and metrics share the main port.
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	return router, nil
}

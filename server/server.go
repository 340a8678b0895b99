// Package server assembles the runtime: store, launcher, bridge, scheduler,
// naming and webhook hooks, the HTTP router, and the lifecycle tickers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-bridge/api"
	"github.com/xiaoyuanzhu-com/claude-bridge/bridge"
	"github.com/xiaoyuanzhu-com/claude-bridge/config"
	"github.com/xiaoyuanzhu-com/claude-bridge/cron"
	"github.com/xiaoyuanzhu-com/claude-bridge/db"
	"github.com/xiaoyuanzhu-com/claude-bridge/launcher"
	"github.com/xiaoyuanzhu-com/claude-bridge/log"
	"github.com/xiaoyuanzhu-com/claude-bridge/naming"
	"github.com/xiaoyuanzhu-com/claude-bridge/notifications"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

const (
	pidMonitorInterval = 30 * time.Second
	cleanupInterval    = time.Hour
)

// Server owns and coordinates all application components.
type Server struct {
	cfg *config.Config

	store     *store.FileStore
	bridge    *bridge.Bridge
	launcher  *launcher.Launcher
	scheduler *cron.Scheduler
	namer     *naming.Service
	webhook   *notifications.Service

	useTLS bool

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server
}

// New creates a server with all components initialized and wired.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		useTLS:         !cfg.IsTest(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Msg("initializing database")
	db.GetDB()
	if level, err := db.GetSetting(db.SettingLogLevel); err == nil && level != "" {
		log.SetLevel(level)
	}

	log.Info().Str("dir", cfg.SessionsDir).Msg("initializing session store")
	st, err := store.NewFileStore(cfg.SessionsDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	s.store = st

	s.bridge = bridge.New(st)

	s.launcher = launcher.New(launcher.Options{
		Store:          st,
		SubprocessURL:  s.subprocessURL,
		SelfSignedTLS:  s.useTLS,
		BinaryOverride: cfg.ClaudeBin,
		DefaultCwd:     cfg.DefaultCwd,
	})

	s.namer = naming.NewService(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	s.webhook = notifications.NewService(webhookSettings, s.externalBaseURL())

	s.connectComponents()

	log.Info().Str("dir", cfg.CronDir).Msg("initializing cron scheduler")
	scheduler, err := cron.NewScheduler(cfg.CronDir, &cronSpawner{server: s})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create cron scheduler: %w", err)
	}
	s.scheduler = scheduler

	s.restoreSessions()
	s.setupRouter()

	log.Info().Msg("server initialized")
	return s, nil
}

// subprocessURL is the dial-back address handed to spawned children.
func (s *Server) subprocessURL(sessionID string) string {
	scheme := "ws"
	if s.useTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://localhost:%d/ws/sub/%s", scheme, s.cfg.Port, sessionID)
}

func (s *Server) externalBaseURL() string {
	scheme := "http"
	if s.useTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, s.cfg.Port)
}

// webhookSettings reads the live webhook preferences from the database.
func webhookSettings() (string, bool) {
	url, err := db.GetSetting(db.SettingWebhookURL)
	if err != nil {
		return "", false
	}
	enabled, err := db.GetBoolSetting(db.SettingNotificationsEnabled)
	if err != nil {
		return "", false
	}
	return url, enabled
}

// connectComponents wires the bridge's outward hooks and the launcher's exit
// watcher. The bridge and launcher never hold references into each other's
// records; everything travels by session id.
func (s *Server) connectComponents() {
	s.bridge.SetHooks(bridge.Hooks{
		CLIConnected: s.launcher.MarkConnected,
		Activity:     s.launcher.TouchActivity,
		Running:      s.launcher.MarkRunning,
		Idle:         s.launcher.MarkIdle,
		FirstUserMessage: func(sessionID, content string) {
			s.nameSession(sessionID, content)
		},
		Result: func(sessionID string) {
			name := ""
			if session, err := s.launcher.GetSession(sessionID); err == nil {
				name = session.SessionName
			}
			go s.webhook.NotifyWaitingForInput(sessionID, name)
		},
	})

	s.launcher.SetExitHandler(func(sessionID string, exitCode int) {
		s.bridge.ArchiveSession(sessionID)
	})
}

// nameSession runs the naming hook off the message path.
func (s *Server) nameSession(sessionID, content string) {
	if enabled, err := db.GetBoolSetting(db.SettingNamingEnabled); err != nil || !enabled {
		return
	}
	if session, err := s.launcher.GetSession(sessionID); err != nil || session.SessionName != "" {
		// Explicit names are never overwritten.
		return
	}

	title := s.namer.NameSession(s.shutdownCtx, content)
	if title == "" {
		return
	}
	if err := s.launcher.SetSessionName(sessionID, title); err != nil {
		log.Debug().Err(err).Str("sessionId", sessionID).Msg("failed to set generated session name")
		return
	}
	log.Info().Str("sessionId", sessionID).Str("name", title).Msg("session named")
}

func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	} else {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression, skipping the WebSocket upgrade paths.
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/ws/",
	})))

	s.router.SetTrustedProxies(nil)

	// Ignore .well-known requests
	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	handlers := api.NewHandlers(s.launcher, s.bridge, s.scheduler, s.store)
	api.SetupRoutes(s.router, handlers)
}

// corsMiddleware relaxes cross-origin access for development frontends.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Start launches the background tickers and serves HTTP until shutdown.
func (s *Server) Start() error {
	s.scheduler.Start()

	go s.pidMonitorLoop()
	go s.cleanupLoop()

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(),
	}

	if !s.useTLS {
		log.Info().Str("addr", s.http.Addr).Str("env", s.cfg.Env).Msg("HTTP server starting without TLS")
		return s.http.ListenAndServe()
	}

	certFile, keyFile, err := ensureCertificate(s.cfg.CertDir)
	if err != nil {
		return fmt.Errorf("failed to prepare TLS certificate: %w", err)
	}

	log.Info().Str("addr", s.http.Addr).Str("env", s.cfg.Env).Msg("HTTPS server starting")
	return s.http.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown stops components in dependency order: scheduler first so no new
// sessions spawn, then children, then a final store flush, then HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	s.shutdownCancel()

	s.scheduler.Stop()

	log.Info().Msg("terminating subprocesses")
	s.launcher.KillAll()

	log.Info().Msg("flushing session store")
	s.store.Close()

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// cronSpawner adapts the launcher+bridge pair to the scheduler. The prompt
// rides the bridge's normal user-message path; queuing covers the window
// before the subprocess attaches.
type cronSpawner struct {
	server *Server
}

func (cs *cronSpawner) SpawnSession(req cron.SpawnRequest) (string, error) {
	session, err := cs.server.launcher.Launch(launcher.LaunchOptions{
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		Cwd:            req.Cwd,
		SessionName:    req.SessionName,
	})
	if err != nil {
		return "", err
	}

	if req.Prompt != "" {
		frame, err := json.Marshal(map[string]string{
			"type":    "user_message",
			"content": req.Prompt,
		})
		if err != nil {
			return session.ID, err
		}
		cs.server.bridge.HandleBrowserData(session.ID, frame)
	}

	return session.ID, nil
}

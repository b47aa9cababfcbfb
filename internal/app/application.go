package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"codeshare/internal/api"
	"codeshare/internal/config"
	"codeshare/internal/database"
	"codeshare/internal/hub"
	"codeshare/internal/session"
	"codeshare/internal/websocket"
	dbconfig "codeshare/pkg/database"
)

// Application owns every component and their start/stop order.
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	rooms       *session.Registry
	connections *websocket.Registry
	coordinator *hub.Hub
	wsHandler   *websocket.Handler
	apiServer   *api.Server
	engine      *gin.Engine
	httpServer  *http.Server

	mu        sync.Mutex
	listener  net.Listener
	serveErr  chan error
	hubCancel context.CancelFunc
}

// NewApplication wires the components in dependency order:
// Database → Seed → Rooms → Gateway → Hub → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: database and schema
	storeConfig := cfg.Store()
	dbManager, err := database.NewManager(storeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info().Str("module", "app").Str("path", storeConfig.DatabasePath).Msg("database ready")

	// STEP 2: seed an empty catalog
	catalog, err := dbconfig.LoadSeedCatalog(storeConfig.SeedFile)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load seed catalog: %w", err)
	}
	seeded, err := dbconfig.Seed(context.Background(), dbManager, catalog)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to seed code blocks: %w", err)
	}
	if seeded > 0 {
		log.Info().Str("module", "app").Int("code_blocks", seeded).Msg("seeded empty database")
	}

	// STEP 3: in-memory rooms, connection gateway and coordinator
	rooms := session.NewRegistry()
	connections := websocket.NewRegistry()
	coordinator := hub.NewHub(rooms, dbManager, connections, cfg.Coordinator())
	wsHandler := websocket.NewHandler(connections, coordinator, cfg.Gateway())

	// STEP 4: HTTP surface
	apiServer := api.NewServer(dbManager, coordinator, connections, coordinator, cfg.HTTP.AllowedOrigins)
	engine := newEngine(cfg.HTTP.Mode)
	apiServer.Register(engine)
	engine.GET("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		dbManager:   dbManager,
		rooms:       rooms,
		connections: connections,
		coordinator: coordinator,
		wsHandler:   wsHandler,
		apiServer:   apiServer,
		engine:      engine,
		httpServer:  httpServer,
	}, nil
}

func newEngine(mode string) *gin.Engine {
	gin.SetMode(mode)

	r := gin.New()
	if mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// Start runs the hub, then binds the listener and serves in the background.
// The hub outlives ctx so disconnects during shutdown are still processed;
// Stop ends it.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return errors.New("application already started")
	}

	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := app.coordinator.Start(hubCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.coordinator.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.listener = ln
	app.hubCancel = cancel
	app.serveErr = make(chan error, 1)

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("module", "app").Err(err).Msg("HTTP server stopped")
			app.serveErr <- err
		}
		close(app.serveErr)
	}()

	log.Info().Str("module", "app").Str("addr", ln.Addr().String()).Msg("codeshare started")
	return nil
}

// Errors reports a failure of the HTTP server after Start. It is closed
// when the server stops.
func (app *Application) Errors() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse order: HTTP → sockets → hub → database.
func (app *Application) Stop(ctx context.Context) error {
	log.Info().Str("module", "app").Msg("shutting down")

	// STEP 1: stop accepting requests
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Str("module", "app").Err(err).Msg("HTTP server shutdown")
	}

	// STEP 2: hijacked sockets are not closed by Shutdown
	app.connections.CloseAll()
	app.wsHandler.Wait()

	// STEP 3: stop the event loop
	if err := app.coordinator.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Warn().Str("module", "app").Err(err).Msg("hub shutdown")
	}
	app.mu.Lock()
	if app.hubCancel != nil {
		app.hubCancel()
	}
	app.mu.Unlock()

	// STEP 4: database
	if err := app.dbManager.Close(); err != nil {
		return fmt.Errorf("database shutdown: %w", err)
	}

	log.Info().Str("module", "app").Msg("shutdown complete")
	return nil
}

// GetAddr returns the bound address once started, otherwise the configured
// one.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP routes.
func (app *Application) Handler() http.Handler {
	return app.engine
}

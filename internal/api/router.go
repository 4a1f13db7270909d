package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"swarmcache/internal/api/handlers"
	"swarmcache/internal/api/middleware"
	"swarmcache/internal/config"
	"swarmcache/internal/ledger"
	"swarmcache/internal/torrent"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Manager  *torrent.Manager
	Requests *ledger.RequestLedger
	Audit    *ledger.AuditLedger
}

func NewRouter(cfg *config.Config, log zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Range", "X-Origin"},
		MaxAge:         300,
	}))

	r.Get("/torrent/{infoHash}", handlers.GetTorrentInfo(deps.Manager, cfg, log))
	r.Post("/torrent/{infoHash}/verify", handlers.VerifyTorrent(deps.Manager, log))
	r.Get("/stream/{infoHash}/{fileID}", handlers.StreamFile(deps.Manager, deps.Requests, cfg, log))

	r.Route("/requests", func(r chi.Router) {
		// Non-stream routes can afford a hard deadline; streams run as
		// long as the client reads.
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		r.Post("/", handlers.OpenRequest(deps.Manager, deps.Requests, cfg, log))
		r.Delete("/{requestID}", handlers.CloseRequest(deps.Manager, deps.Requests, log))
		r.Get("/{infoHash}", handlers.ListRequests(deps.Requests, log))
	})

	r.Route("/audit", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		r.Get("/origins/{tracker}/{origin}", handlers.OriginTotals(deps.Audit, log))
		r.Get("/torrents/{tracker}/{infoHash}", handlers.TorrentTotals(deps.Audit, log))
	})

	return r
}

func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}
}

// RunServer serves until ctx is canceled, then drains connections for up to
// shutdownTimeout.
func RunServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}

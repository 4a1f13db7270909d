// Package torrent bridges the ledger core and the swarm engine: it attaches
// torrents on demand, pushes ledger-derived piece priorities into the
// engine, and feeds engine state back into the status cache and audit
// ledger.
package torrent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"swarmcache/internal/config"
	"swarmcache/internal/fileindex"
	"swarmcache/internal/ledger"
	"swarmcache/internal/providers"
)

// Manager implements providers.SwarmAccess and providers.FileMapper on top
// of an anacrolix/torrent client.
type Manager struct {
	client     *Client
	config     *config.Config
	Logger     zerolog.Logger
	auth       providers.AuthProvider
	classifier providers.PrivacyClassifier

	index    *fileindex.Index
	requests *ledger.RequestLedger
	resolver *ledger.Resolver
	status   *ledger.StatusCache
	coord    *ledger.Coordinator

	mu        sync.RWMutex
	torrents  map[string]*handle
	limiter   *rate.Limiter
	semaphore chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

type Deps struct {
	Auth        providers.AuthProvider
	Classifier  providers.PrivacyClassifier
	Index       *fileindex.Index
	Requests    *ledger.RequestLedger
	Resolver    *ledger.Resolver
	Status      *ledger.StatusCache
	Coordinator *ledger.Coordinator
}

// NewManager creates and initializes a new Manager.
func NewManager(cfg *config.Config, log zerolog.Logger, deps Deps) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	client, err := NewClient(cfg, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	m := &Manager{
		client:     client,
		config:     cfg,
		Logger:     log,
		auth:       deps.Auth,
		classifier: deps.Classifier,
		index:      deps.Index,
		requests:   deps.Requests,
		resolver:   deps.Resolver,
		status:     deps.Status,
		coord:      deps.Coordinator,
		torrents:   make(map[string]*handle),
		limiter:    rate.NewLimiter(rate.Every(10*time.Millisecond), 100),
		semaphore:  make(chan struct{}, cfg.MaxTorrents),
		ctx:        ctx,
		cancel:     cancel,
	}

	// A generation bump invalidates derived piece mappings; re-derive the
	// layout and re-push priorities for the affected torrent.
	m.coord.Subscribe(m.onGenerationBump)

	go m.cleanupRoutine()
	go m.statsRoutine()
	go m.retentionRoutine()

	return m, nil
}

// Close shuts down the Manager and releases resources.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()

	var g errgroup.Group
	for _, h := range m.torrents {
		h := h
		g.Go(func() error {
			h.Drop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.Logger.Error().Err(err).Msg("Error dropping torrents")
	}
	m.torrents = make(map[string]*handle)

	m.client.Close()
	return nil
}

func (m *Manager) handleFor(infoHash string) (*handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.torrents[normalizeInfoHash(infoHash)]
	return h, ok
}

func normalizeInfoHash(infoHash string) string {
	return strings.ToLower(infoHash)
}

func (m *Manager) onGenerationBump(infoHash string, generation int64) {
	m.index.Forget(infoHash)

	h, ok := m.handleFor(infoHash)
	if !ok {
		return
	}
	ctx, cancelTimeout := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancelTimeout()

	if err := m.persistLayout(ctx, h); err != nil {
		m.Logger.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to re-derive layout after bump")
	}
	if err := m.ApplyPriorities(ctx, infoHash); err != nil {
		m.Logger.Error().Err(err).Str("infoHash", infoHash).Msg("Failed to re-push priorities after bump")
	}
	m.Logger.Info().
		Str("infoHash", infoHash).
		Int64("generation", generation).
		Msg("Re-derived mappings after generation bump")
}

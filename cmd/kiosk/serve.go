package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/sync/errgroup"

	"kiosk/internal/activity"
	"kiosk/internal/api"
	"kiosk/internal/auth"
	"kiosk/internal/config"
	"kiosk/internal/database"
	"kiosk/internal/detection"
	"kiosk/internal/logging"
	"kiosk/internal/middleware"
	"kiosk/internal/pipeline"
	"kiosk/internal/stream"
	"kiosk/internal/telegram"
	"kiosk/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection loops and the HTTP API",
	Long: `Start the kiosk server. Streams marked autostart are started
immediately; others can be started through the API. Live tracks and
activity are pushed to displays on /ws/streams/{id}; an annotated
MJPEG preview is served on /streams/{id}/mjpeg.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("debug", false, "Log request and response bodies")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Server.Debug = true
	}

	logger := logging.For("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	if err := seedStreams(ctx, db, cfg.Streams); err != nil {
		return err
	}

	backends, err := detection.Build(cfg.Detection)
	if err != nil {
		return fmt.Errorf("failed to set up detection backends: %w", err)
	}
	defer backends.Close()
	detector, matcher, err := activeBackends(backends)
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()
	hub := ws.NewHub()
	defer hub.Close()
	bus.Subscribe(hub)
	preview := stream.NewPreview()
	bus.Subscribe(preview)

	bot, err := telegram.NewBot(cfg.Telegram)
	if err != nil {
		return err
	}
	if bot.IsEnabled() {
		bus.Subscribe(bot)
	}

	records := make(chan activity.Record, 256)
	bus.Subscribe(pipeline.HandlerFunc(func(e pipeline.Event) {
		if e.Type != pipeline.EventActivity || e.Activity == nil {
			return
		}
		select {
		case records <- *e.Activity:
		default:
			logger.WithField("stream", e.StreamID).Warn("Activity writer is behind, dropping record")
		}
	}))

	manager := pipeline.NewManager(detector, matcher, nil, bus, cfg.Pipeline)

	mux := goahttp.NewMuxer()
	api.New(manager, db, backends.Health, authenticator).Mount(mux)
	mountLive(mux, authenticator, hub, preview)

	autostart(ctx, db, manager)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handleHTTPServer(ctx, cfg.Server, mux)
	})
	// Streams stop before the writer drains so their last records are kept.
	stopped := make(chan struct{})
	g.Go(func() error {
		<-ctx.Done()
		manager.Close()
		close(stopped)
		return nil
	})
	g.Go(func() error {
		writeActivity(ctx, db, records, stopped)
		return nil
	})
	g.Go(func() error {
		runJanitor(ctx, db, cfg.Database)
		return nil
	})
	if bot.IsEnabled() {
		g.Go(func() error {
			bot.Run(ctx)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shut down")
	return nil
}

// mountLive registers the push endpoints for displays: the WebSocket feed
// and the annotated MJPEG preview.
func mountLive(mux goahttp.Muxer, authenticator middleware.Authenticator, hub *ws.Hub, preview *stream.Preview) {
	protect := middleware.AuthMiddleware(authenticator)
	byID := func(serve func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
		return protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, mux.Vars(r)["id"])
		})).ServeHTTP
	}

	mux.Handle(http.MethodGet, ws.PathPrefix+"{id}", protect(ws.NewHandler(hub)).ServeHTTP)
	mux.Handle(http.MethodGet, "/streams/{id}/mjpeg", byID(preview.ServeMJPEG))
	mux.Handle(http.MethodGet, "/streams/{id}/snapshot", byID(preview.ServeSnapshot))
}

// seedStreams stores the streams from the configuration file so the API
// can start and list them. Stored edits to the same ids are overwritten.
func seedStreams(ctx context.Context, db *database.Database, streams []pipeline.StreamConfig) error {
	for _, s := range streams {
		rec := &database.StreamRecord{ID: s.ID, Name: s.Name, Source: s.Source, Autostart: s.Autostart}
		if existing, err := db.GetStream(ctx, s.ID); err == nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := db.SaveStream(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// autostart starts every stored stream marked autostart. A camera that
// cannot be opened is logged and left stopped.
func autostart(ctx context.Context, db *database.Database, manager *pipeline.Manager) {
	logger := logging.For("serve")

	streams, err := db.ListStreams(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to list streams")
		return
	}
	for _, rec := range streams {
		if !rec.Autostart {
			continue
		}
		cfg := pipeline.StreamConfig{ID: rec.ID, Name: rec.Name, Source: rec.Source, Autostart: true}
		if err := manager.StartStream(ctx, cfg); err != nil {
			logger.WithField("stream", rec.ID).WithError(err).Error("Failed to start stream")
		}
	}
}

// activeBackends returns the detector and matcher streams run against.
func activeBackends(backends *detection.Registry) (detection.Detector, detection.Matcher, error) {
	detector, ok := backends.Detector()
	if !ok {
		return nil, nil, errors.New("no detector registered")
	}
	matcher, ok := backends.Matcher()
	if !ok {
		return nil, nil, errors.New("no matcher registered")
	}
	return detector, matcher, nil
}

// writeActivity stores records until stopped is closed, then drains what is
// still queued.
func writeActivity(ctx context.Context, db *database.Database, records <-chan activity.Record, stopped <-chan struct{}) {
	// Records still queued at shutdown are written with a fresh context.
	store := func(rec activity.Record) {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		db.PublishActivity(writeCtx, rec)
	}

	for {
		select {
		case rec := <-records:
			store(rec)
		case <-stopped:
			for {
				select {
				case rec := <-records:
					store(rec)
				default:
					return
				}
			}
		}
	}
}

func runJanitor(ctx context.Context, db *database.Database, cfg config.DatabaseConfig) {
	if cfg.Retention <= 0 {
		return
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := logging.For("janitor")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := db.DeleteOldActivity(ctx, time.Now().Add(-cfg.Retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.WithError(err).Warn("Failed to delete old activity")
		case n > 0:
			logger.Infof("Deleted %d activity records older than %s", n, cfg.Retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mirrorstream/internal/platform/config"
	"mirrorstream/internal/platform/logger"
	"mirrorstream/internal/platform/metrics"
	"mirrorstream/internal/stream"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	baseURL := config.GetEnv("BASE_URL", "http://localhost:"+port+"/stream")
	segmentDir := config.GetEnv("SEGMENT_DIR", "./segments")
	segmentDuration := config.GetEnvFloat("TARGET_SEGMENT_DURATION", 2.0)
	maxSegments := config.GetEnvInt("MAX_SEGMENTS", 5)
	maxCached := config.GetEnvInt("MAX_CACHED_SEGMENTS", 20)
	connTimeout := config.GetEnvDuration("CONNECTION_TIMEOUT", 300*time.Second)
	rateMax := config.GetEnvInt("RATE_LIMIT_MAX", 100)
	rateWindow := config.GetEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second)
	rateStrategy := config.GetEnv("RATE_LIMIT_STRATEGY", "ip")
	rateHeader := config.GetEnv("RATE_LIMIT_HEADER", "X-Client-ID")
	rateExcluded := config.GetEnvList("RATE_LIMIT_EXCLUDED", []string{"/health", "/metrics"})
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	profiles := stream.DefaultQualityProfiles()
	writers := make(map[string]stream.SegmentWriter, len(profiles))
	for _, p := range profiles {
		w, err := stream.NewFileSegmentWriter(segmentDir+"/"+p.ID, p.ID, segmentDuration)
		if err != nil {
			log.Error("segment writer init failed", "quality", p.ID, "error", err)
			os.Exit(1)
		}
		writers[p.ID] = w
	}

	met := metrics.New()
	access := stream.NewAccessController(connTimeout, log, met)
	store := stream.NewSegmentStore(stream.StoreConfig{
		SegmentDir:            segmentDir,
		TargetSegmentDuration: segmentDuration,
		MaxSegments:           maxSegments,
		MaxCachedSegments:     maxCached,
	}, writers, log, met)
	limiter := stream.NewRateLimiter(stream.RateLimitConfig{
		MaxRequests:   rateMax,
		Window:        rateWindow,
		Strategy:      stream.IdentityStrategy(rateStrategy),
		HeaderName:    rateHeader,
		ExcludedPaths: rateExcluded,
	})
	playlists := stream.NewPlaylistGenerator(baseURL, profiles, segmentDuration)
	h := stream.NewHandler(access, store, limiter, playlists, profiles, log, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	access.Start(ctx)
	limiter.Start(ctx)
	store.Start(ctx)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", met.Handler(nil).ServeHTTP)
	r.Route("/stream", func(r chi.Router) {
		r.Use(h.RateLimit)
		r.Post("/session", h.RequestSession)
		r.Delete("/session", h.ReleaseSession)
		r.Get("/status", h.GetStatus)
		r.Group(func(r chi.Router) {
			r.Use(h.SessionGate)
			r.Get("/master.m3u8", h.GetMasterPlaylist)
			r.Get("/{quality}/playlist.m3u8", h.GetMediaPlaylist)
			r.Get("/{quality}/{segment}", h.GetSegment)
		})
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"segment_dir", segmentDir,
		"target_segment_duration", segmentDuration,
		"max_segments", maxSegments,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

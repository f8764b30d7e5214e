package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flickfeed/internal/api"
	"flickfeed/internal/config"
	"flickfeed/internal/controller"
	"flickfeed/internal/gesture"
	"flickfeed/internal/history"
	"flickfeed/internal/media"
	"flickfeed/internal/playlist"
	"flickfeed/internal/preload"
	"flickfeed/internal/reaction"
	"flickfeed/internal/slotcache"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "./config.toml"

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load .env file if present (for the API bearer token)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			logger.WithError(err).Warn("Could not load .env file")
		}
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	applyLogging(logger, cfg.Logging)

	// Watch-history persistence is optional
	var memory controller.PositionMemory
	var recorder reaction.ImpressionRecorder
	if cfg.History.Enabled {
		store, err := history.NewStore(cfg.History.Path)
		if err != nil {
			logger.WithError(err).Fatal("Error initializing watch history store")
		}
		defer store.Close()
		memory = store
		recorder = store
	}

	client := api.NewClient(cfg.API, logger)
	store := playlist.NewStore(client, logger)
	cache := slotcache.New(cfg.Player.CacheCapacity, logger)
	create := media.NewCreator(&http.Client{}, cfg.API.BearerToken, logger, media.DefaultTunables())
	preloader := preload.New(cache, create, client.ResolveURL, logger)

	notify := func(n reaction.Notice) {
		logger.WithField("detail", n.Description).Info(n.Title)
	}
	dispatcher := reaction.NewDispatcher(client, notify, recorder, logger)

	ctrl := controller.New(
		store, cache, preloader, dispatcher,
		create, client.ResolveURL, notify, memory,
		playerOptions(cfg), logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)

	if err := store.Bootstrap(ctx); err != nil {
		logger.WithError(err).Error("Initial playlist load failed")
	}

	// Hot-reload playback options on config file edits
	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		logger.WithError(err).Warn("Config watcher not available")
	} else {
		defer watcher.Close()
		go func() {
			for fresh := range watcher.Updates() {
				ctrl.ApplyOptions(playerOptions(fresh))
			}
		}()
	}

	interpreter := gesture.New(ctx, ctrl, store, dispatcher, notify, logger)
	go consoleLoop(ctx, interpreter, ctrl, cfg.Player.PlaybackRates, logger)

	if cfg.Player.DebugOverlay {
		go overlayLoop(ctx, ctrl, logger)
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal")
	cancel()
	ctrl.Close()
	store.Close()
}

func playerOptions(cfg *config.Config) controller.Options {
	return controller.Options{
		Autoplay:         cfg.Player.Autoplay,
		AutoAdvance:      cfg.Player.AutoAdvance,
		Loop:             cfg.Player.Loop,
		MaxRetries:       cfg.Player.MaxRetries,
		PreloadBudget:    cfg.Player.PreloadBudget,
		TransitionWindow: cfg.TransitionWindow(),
		DebugOverlay:     cfg.Player.DebugOverlay,
	}
}

func applyLogging(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.WithError(err).Warn("Could not open log file, logging to stderr")
			return
		}
		logger.SetOutput(f)
	}
}

// overlayLoop periodically logs the playback counters the on-screen debug
// overlay would show.
func overlayLoop(ctx context.Context, ctrl *controller.Controller, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := ctrl.Snapshot()
			logger.WithFields(logrus.Fields{
				"entry":      snap.EntryID,
				"index":      snap.Index,
				"state":      snap.State,
				"position":   fmt.Sprintf("%.1f", snap.Position),
				"rate":       snap.Rate,
				"buffering":  snap.IsBuffering,
				"rebuffers":  snap.RebufferCount,
				"retries":    snap.RetryCount,
				"firstFrame": snap.FirstFrameMillis,
			}).Info("Playback status")
		}
	}
}

// consoleLoop reads single-letter commands from stdin and feeds them to the
// gesture interpreter, standing in for the pointer and keyboard surface.
func consoleLoop(ctx context.Context, in *gesture.Interpreter, ctrl *controller.Controller, rates []float64, logger *logrus.Logger) {
	fmt.Println("commands: j=next k=prev l=like d=dislike p=play/pause f=rate r=rotate s=status q=quit")

	rateIndex := 0
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "j":
			in.Key(gesture.KeyArrowDown, false)
		case "k":
			in.Key(gesture.KeyArrowUp, false)
		case "l":
			in.Key(gesture.KeyArrowRight, false)
		case "d":
			in.Key(gesture.KeyArrowLeft, false)
		case "p":
			in.Key(gesture.KeySpace, false)
		case "f":
			if len(rates) > 0 {
				rateIndex = (rateIndex + 1) % len(rates)
				ctrl.SetPlaybackRate(rates[rateIndex])
				fmt.Printf("rate=%.2gx\n", rates[rateIndex])
			}
		case "r":
			ctrl.Rotate()
		case "s":
			snap := ctrl.Snapshot()
			fmt.Printf("entry=%s index=%d state=%s position=%.1fs rate=%.2g\n",
				snap.EntryID, snap.Index, snap.State, snap.Position, snap.Rate)
		case "q":
			syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return
		case "":
		default:
			logger.Debug("Unknown console command")
		}
	}
}

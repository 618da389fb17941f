package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"podsync/internal/artwork"
	"podsync/internal/config"
	"podsync/internal/database"
	"podsync/internal/device"
	"podsync/internal/metadata"
	"podsync/internal/scanner"
	"podsync/internal/syncer"
	"podsync/internal/worker"
	"podsync/pkg/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Optional .env for local overrides
	godotenv.Load()

	configPath := os.Getenv("PODSYNC_CONFIG")
	if configPath == "" {
		configPath = "./config.toml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	applyLogging(logger, cfg.Logging)

	db, err := database.Open(cfg.Database.Path, cfg.Database.MaxConnections)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()

	artCache, err := artwork.NewCache(cfg.Artwork.CacheDir)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing artwork cache")
	}

	extractor := metadata.NewExtractor()
	sc := scanner.New(db, extractor, artCache)

	pool := worker.NewPool(cfg.Scanner.Workers)
	defer pool.Stop()

	transcoder := device.NewFFmpegTranscoder(
		cfg.Transcode.FFmpegPath,
		time.Duration(cfg.Transcode.TimeoutSeconds)*time.Second,
	)
	session := device.NewSession(device.OpenDirCatalog, transcoder, db, artCache)
	orchestrator := syncer.New(db, session, sc, pool)

	roots := libraryRoots(db, logger)

	if cfg.Scanner.ScanOnStartup {
		for _, class := range []models.Classification{models.ClassMusic, models.ClassPodcast} {
			if _, ok := roots[string(class)]; !ok {
				continue
			}
			jobID, err := orchestrator.ScanLibrary(class)
			if err != nil {
				logger.WithError(err).WithField("class", class).Warn("Startup scan failed to start")
				continue
			}
			logger.WithFields(logrus.Fields{"class": class, "job_id": jobID}).Info("Startup scan queued")
		}
	}

	var watcher *scanner.Watcher
	if cfg.Scanner.WatchForChanges && len(roots) > 0 {
		watchRoots := make(map[string]models.Classification, len(roots))
		for _, class := range []models.Classification{models.ClassMusic, models.ClassPodcast} {
			if root, ok := roots[string(class)]; ok {
				watchRoots[root] = class
			}
		}
		watcher, err = scanner.NewWatcher(sc, watchRoots)
		if err != nil {
			logger.WithError(err).Warn("Could not start file watcher")
		}
	}

	for _, d := range device.DetectDevices() {
		logger.WithFields(logrus.Fields{
			"mountpoint": d.Mountpoint,
			"name":       d.Name,
		}).Info("Detected device")
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal")
	if watcher != nil {
		watcher.Stop()
	}
	if session.Status().Connected {
		if err := session.Disconnect(); err != nil {
			logger.WithError(err).Warn("Error disconnecting device during shutdown")
		}
	}
}

// libraryRoots reads configured roots from settings, dropping ones that do
// not exist on disk.
func libraryRoots(db *database.DB, logger *logrus.Logger) map[string]string {
	roots := make(map[string]string)
	for class, key := range map[string]string{
		string(models.ClassMusic):   database.SettingMusicLibraryPath,
		string(models.ClassPodcast): database.SettingPodcastLibraryPath,
	} {
		root, err := db.GetSetting(key)
		if err != nil || root == "" {
			continue
		}
		if st, err := os.Stat(root); err != nil || !st.IsDir() {
			logger.WithField("path", root).Warn("Configured library path does not exist")
			continue
		}
		roots[class] = root
	}
	return roots
}

// applyLogging reconfigures the startup logger per config.
func applyLogging(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logger.SetOutput(f)
		} else {
			logger.WithError(err).Warn("Could not open log file, using stderr")
		}
	}
}

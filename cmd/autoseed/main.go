package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"qb-autoseed/internal/config"
	"qb-autoseed/internal/downloader"
	"qb-autoseed/internal/engine"
	apphttp "qb-autoseed/internal/http"
	"qb-autoseed/internal/logging"
	"qb-autoseed/internal/qbittorrent"
	"qb-autoseed/internal/repository/sqlite"
	"qb-autoseed/internal/service"
	"qb-autoseed/internal/storage"
)

func main() {
	boot := logrus.New()
	boot.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		boot.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Dir)
	if err != nil {
		boot.Fatalf("setup logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, db, err := buildJournal(ctx, cfg)
	if err != nil {
		logger.Fatalf("setup journal: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	client, err := qbittorrent.NewClient(qbittorrent.Config{
		Host:     cfg.QBittorrent.Host,
		Port:     cfg.QBittorrent.Port,
		Username: cfg.QBittorrent.Username,
		Password: cfg.QBittorrent.Password,
		Timeout:  cfg.QBittorrent.Timeout,
	})
	if err != nil {
		logger.Fatalf("setup qBittorrent client: %v", err)
	}

	manager, err := buildManager(cfg, client, journal, logger)
	if err != nil {
		logger.Fatalf("setup monitor: %v", err)
	}

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup log archive: %v", err)
	}
	if archive != nil {
		go storage.RunArchiver(ctx, archive, cfg.Log.Dir, cfg.Archive.Interval, logger.WithField("component", "archiver"))
	}

	var srv *http.Server
	if cfg.Server.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		apphttp.NewHandler(manager, journal, archive).RegisterRoutes(router)

		srv = &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: router,
		}
		go func() {
			logger.Infof("listening on %s", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("http server: %v", err)
			}
		}()
	}

	// Run returns once ctx is cancelled and the session is closed.
	if err := manager.Run(ctx); err != nil {
		logger.Errorf("monitor: %v", err)
	}
	logger.Info("shutting down...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
	}
	logger.Info("bye")
}

func buildManager(cfg config.Config, client downloader.Client, journal service.JournalService, logger *logrus.Logger) (downloader.Manager, error) {
	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}
	retention, err := engine.NewRetentionPolicy(cfg.Policy.Retention, engine.RetentionOptions{
		MinRatio:      cfg.Policy.MinRatio,
		MinSeedTime:   cfg.Policy.MinSeedTime,
		ActivityGrace: cfg.Policy.ActivityGrace,
	}, logger)
	if err != nil {
		return nil, err
	}
	admission, err := engine.NewAdmissionPolicy(cfg.Policy.Admission, engine.AdmissionOptions{
		Window: cfg.Policy.RecencyWindow,
	}, logger)
	if err != nil {
		return nil, err
	}

	return downloader.NewManager(downloader.Config{
		Interval:      cfg.RefreshInterval(),
		SettlePause:   cfg.Monitor.SettlePause,
		ErrorCooldown: cfg.Monitor.ErrorCooldown,
		LoadingWait:   cfg.Feed.LoadingWait,
		ErrorWait:     cfg.Feed.ErrorWait,
		RefreshWait:   cfg.Feed.RefreshWait,
		FeedPath:      cfg.Feed.Path,
		Label:         cfg.QBittorrent.Label,
		SavePath:      cfg.Storage.SavePath,
		StoragePath:   cfg.Storage.Path,
		Threshold:     limits.FreeThreshold,
		DryRun:        cfg.Monitor.DryRun,
		Accountant: engine.Accountant{
			TotalLimit: limits.TotalLimit,
			ScopeLimit: limits.AutoLimit,
			LowSpace:   limits.FreeThreshold,
		},
		Delay: engine.DelayCalculator{
			StartRatio: cfg.Delay.StartRatio,
			Multiplier: cfg.Delay.Multiplier,
		},
		Retention: retention,
		Admission: admission,
		Logger:    logger,
	}, client, storage.StatfsMeter{}, journal)
}

func buildJournal(ctx context.Context, cfg config.Config) (service.JournalService, *sql.DB, error) {
	if cfg.Database.Path == "" {
		return service.NewNoopJournal(), nil, nil
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	decisions := sqlite.NewDecisionRepository(db)
	if err := decisions.Init(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init decision repository: %w", err)
	}
	return service.NewJournalService(decisions), db, nil
}

func buildArchive(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Uploader, error) {
	if cfg.Archive.Bucket == "" {
		return nil, nil
	}
	if cfg.Log.Dir == "" {
		return nil, fmt.Errorf("log archive needs log.dir")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Archive.Region),
	}
	if cfg.Archive.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.Archive.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving logs to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	return storage.NewS3Uploader(client, cfg.Archive.Bucket, cfg.Archive.KeyPrefix), nil
}

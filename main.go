package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-recognition/internal/auth"
	"github.com/example/face-recognition/internal/dlib"
	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/grpcclient"
	"github.com/example/face-recognition/internal/handlers"
	"github.com/example/face-recognition/internal/logging"
	"github.com/example/face-recognition/internal/repository"
	"github.com/example/face-recognition/internal/storage"
	"github.com/example/face-recognition/internal/usecase"
)

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo := initRepository(ctx, cfg, logger)
	cache := initCache(ctx, cfg, logger)

	faces, closeFaces := initFaceBackend(ctx, cfg, logger)
	defer closeFaces.Close()

	stores, err := initStorage(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise storage", zap.Error(err), zap.String("backend", cfg.StorageBackend))
	}

	galleries := gallery.NewStore(stores.galleries, cache, cfg.GalleryCacheTTL, logger)
	aggregator := gallery.NewAggregator(faces, galleries, logger)
	fetcher := storage.NewHTTPFetcher(nil)

	training := usecase.NewTrainingUseCase(aggregator, fetcher, cfg.TrainingDataDir, logger)
	recognition, err := usecase.NewRecognitionUseCase(usecase.RecognitionDeps{
		Galleries: galleries,
		Extractor: faceprocessor.NewExtractor(faces, faceprocessor.DefaultCropOptions()),
		Embedder:  faces,
		Unknown:   stores.unknown,
		Crops:     stores.crops,
		Fetcher:   fetcher,
		Repo:      repo,
		Cache:     cache,
	}, usecase.RecognitionConfig{
		Threshold:        cfg.MatchThreshold,
		Workers:          cfg.CropWorkers,
		FailedCropPolicy: cfg.FailedCropPolicy,
		SessionMode:      cfg.UnknownFacesMode,
	}, logger)
	if err != nil {
		logger.Fatal("invalid recognition configuration", zap.Error(err))
	}

	r := newRouter(cfg, recognition, training, logger)

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      5 * time.Minute,
	}

	logger.Info("face recognition API listening",
		zap.String("addr", cfg.BindAddress),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("face_backend", cfg.FaceBackend),
		zap.String("unknown_faces_mode", string(cfg.UnknownFacesMode)),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newRouter builds the gin engine with CORS, the static file routes and the
// API routes behind the configured authentication.
func newRouter(cfg config, recognizer handlers.Recognizer, trainer handlers.Trainer, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(cors.Default())
	if cfg.UnknownFacesMode == usecase.SessionLocal {
		r.Static("/static", cfg.UnknownFacesDir)
	}
	if cfg.StorageBackend == "disk" {
		r.Static("/files/crops", filepath.Join(cfg.StorageDir, "crops"))
	}

	readAuth, writeAuth := auth.AllowAll(), auth.AllowAll()
	if cfg.JWTSecret != "" {
		readAuth = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
		writeAuth = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience, auth.ScopeGalleryWrite)
	} else {
		logger.Warn("JWT_SECRET not set, authentication disabled")
	}

	handlers.RegisterRoutes(r, recognizer, trainer, readAuth, writeAuth)
	return r
}

// faceBackend detects and embeds faces.
type faceBackend interface {
	faceprocessor.Detector
	faceprocessor.Embedder
}

func initFaceBackend(ctx context.Context, cfg config, logger *zap.Logger) (faceBackend, io.Closer) {
	if cfg.FaceBackend == "dlib" {
		rec, err := dlib.New(cfg.DlibModelsDir, logger)
		if err != nil {
			logger.Fatal("failed to load dlib models", zap.Error(err), zap.String("dir", cfg.DlibModelsDir))
		}
		return rec, rec
	}

	client, conn, err := grpcclient.DialFaceProcessor(ctx, cfg.FaceProcessorAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to face processor", zap.Error(err))
	}
	return client, conn
}

type blobStores struct {
	galleries storage.BlobStore
	crops     storage.BlobStore
	unknown   usecase.UnknownSink
}

func initStorage(ctx context.Context, cfg config) (*blobStores, error) {
	stores := &blobStores{}

	switch cfg.StorageBackend {
	case "s3":
		embeddings, err := storage.NewS3Storage(cfg.EmbeddingsBucket, cfg.AWSRegion, "")
		if err != nil {
			return nil, err
		}
		crops, err := storage.NewS3Storage(cfg.CropsBucket, cfg.AWSRegion, "")
		if err != nil {
			return nil, err
		}
		stores.galleries, stores.crops = embeddings, crops
	case "minio":
		bucket, err := storage.NewMinioStorage(ctx, cfg.Minio)
		if err != nil {
			return nil, err
		}
		stores.galleries = &storage.Prefixed{Store: bucket, Prefix: "galleries"}
		stores.crops = &storage.Prefixed{Store: bucket, Prefix: "crops"}
	default:
		galleries, err := storage.NewDiskStorage(filepath.Join(cfg.StorageDir, "galleries"), "")
		if err != nil {
			return nil, err
		}
		crops, err := storage.NewDiskStorage(filepath.Join(cfg.StorageDir, "crops"), cfg.PublicBaseURL+"/files/crops")
		if err != nil {
			return nil, err
		}
		stores.galleries, stores.crops = galleries, crops
	}

	stores.unknown = stores.crops
	if cfg.UnknownFacesMode == usecase.SessionLocal {
		local, err := storage.NewDiskStorage(cfg.UnknownFacesDir, cfg.PublicBaseURL+"/static")
		if err != nil {
			return nil, fmt.Errorf("unknown faces dir: %w", err)
		}
		stores.unknown = local
	}
	return stores, nil
}

// initRepository connects to postgres when DATABASE_DSN is set and keeps the
// recognition log in memory otherwise.
func initRepository(ctx context.Context, cfg config, logger *zap.Logger) usecase.RecognitionRepository {
	if cfg.DatabaseDSN == "" {
		logger.Warn("DATABASE_DSN not set, recognition logs are kept in memory")
		return repository.NewMemoryRepository()
	}

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewRecognitionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initCache(ctx context.Context, cfg config, zapLogger *zap.Logger) usecase.Cache {
	if cfg.RedisAddr == "" {
		return usecase.NopCache{}
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

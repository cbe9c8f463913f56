package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/example/face-recognition/internal/dlib"
	"github.com/example/face-recognition/internal/matcher"
	"github.com/example/face-recognition/internal/storage"
	"github.com/example/face-recognition/internal/usecase"
)

type config struct {
	BindAddress string
	LogLevel    string
	JWTSecret   string
	JWTAudience string

	MatchThreshold   float64
	CropWorkers      int
	FailedCropPolicy usecase.FailedCropPolicy
	UnknownFacesMode usecase.SessionMode
	UnknownFacesDir  string
	PublicBaseURL    string
	TrainingDataDir  string

	StorageBackend   string
	StorageDir       string
	EmbeddingsBucket string
	CropsBucket      string
	AWSRegion        string
	Minio            storage.MinioConfig

	FaceBackend       string
	FaceProcessorAddr string
	DlibModelsDir     string

	RedisAddr       string
	GalleryCacheTTL time.Duration
	DatabaseDSN     string
}

func loadConfig() (config, error) {
	cfg := config{
		BindAddress:       getEnv("BIND_ADDRESS", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTAudience:       os.Getenv("JWT_AUDIENCE"),
		FailedCropPolicy:  usecase.FailedCropPolicy(strings.ToLower(getEnv("FAILED_CROP_POLICY", string(usecase.FailedCropDrop)))),
		UnknownFacesMode:  usecase.SessionMode(strings.ToLower(getEnv("UNKNOWN_FACES_MODE", string(usecase.SessionBlob)))),
		UnknownFacesDir:   getEnv("UNKNOWN_FACES_DIR", "unknown_faces"),
		PublicBaseURL:     strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		TrainingDataDir:   getEnv("TRAINING_DATA_DIR", "TrainingData"),
		StorageBackend:    strings.ToLower(getEnv("STORAGE_BACKEND", "disk")),
		StorageDir:        getEnv("STORAGE_DIR", "data"),
		EmbeddingsBucket:  os.Getenv("S3_BUCKET_NAME_FOR_EMBEDDINGS"),
		CropsBucket:       os.Getenv("S3_BUCKET_NAME_FOR_CROPPED_FACES"),
		AWSRegion:         getEnv("AWS_REGION", "ap-south-1"),
		FaceBackend:       strings.ToLower(getEnv("FACE_BACKEND", "grpc")),
		FaceProcessorAddr: getEnv("FACE_PROCESSOR_ADDR", "face-processor:50051"),
		DlibModelsDir:     getEnv("DLIB_MODELS_DIR", "models"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
	}
	cfg.Minio = storage.MinioConfig{
		Endpoint:  getEnv("MINIO_ENDPOINT", "minio:9000"),
		AccessKey: os.Getenv("MINIO_ROOT_USER"),
		SecretKey: os.Getenv("MINIO_ROOT_PASSWORD"),
		Bucket:    getEnv("S3_BUCKET_NAME_FOR_EMBEDDINGS", "face-recognition"),
	}

	var err error
	if cfg.MatchThreshold, err = getEnvFloat("MATCH_THRESHOLD", matcher.DefaultThreshold); err != nil {
		return config{}, err
	}
	if cfg.CropWorkers, err = getEnvInt("CROP_WORKERS", 4); err != nil {
		return config{}, err
	}
	if cfg.Minio.UseSSL, err = getEnvBool("MINIO_USE_SSL", false); err != nil {
		return config{}, err
	}
	if cfg.GalleryCacheTTL, err = getEnvDuration("GALLERY_CACHE_TTL", 10*time.Minute); err != nil {
		return config{}, err
	}

	switch cfg.StorageBackend {
	case "disk", "minio":
	case "s3":
		if cfg.EmbeddingsBucket == "" || cfg.CropsBucket == "" {
			return config{}, errors.New("s3 storage needs S3_BUCKET_NAME_FOR_EMBEDDINGS and S3_BUCKET_NAME_FOR_CROPPED_FACES")
		}
	default:
		return config{}, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	switch cfg.FaceBackend {
	case "grpc":
	case "dlib":
		if !dlib.Available {
			return config{}, fmt.Errorf("FACE_BACKEND=dlib: %w", dlib.ErrUnavailable)
		}
	default:
		return config{}, fmt.Errorf("unsupported FACE_BACKEND %q", cfg.FaceBackend)
	}

	// The local session empties UNKNOWN_FACES_DIR on every request.
	if cfg.UnknownFacesMode == usecase.SessionLocal {
		guarded := []struct{ name, dir string }{{"TRAINING_DATA_DIR", cfg.TrainingDataDir}}
		if cfg.StorageBackend == "disk" {
			guarded = append(guarded, struct{ name, dir string }{"STORAGE_DIR", cfg.StorageDir})
		}
		for _, g := range guarded {
			overlap, err := pathsOverlap(cfg.UnknownFacesDir, g.dir)
			if err != nil {
				return config{}, err
			}
			if overlap {
				return config{}, fmt.Errorf("UNKNOWN_FACES_DIR %q must not overlap %s %q", cfg.UnknownFacesDir, g.name, g.dir)
			}
		}
	}
	return cfg, nil
}

// pathsOverlap reports whether a and b are the same directory or one
// contains the other.
func pathsOverlap(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return within(absA, absB) || within(absB, absA), nil
}

func within(dir, parent string) bool {
	rel, err := filepath.Rel(parent, dir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

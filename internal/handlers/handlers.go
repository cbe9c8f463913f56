package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/face-recognition/internal/auth"
	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/repository"
	"github.com/example/face-recognition/internal/usecase"
)

// MaxUploadSize bounds an uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form fields and part headers on top of
// the image itself.
const multipartOverhead = 1 << 20

// Recognizer is the recognition side of the service.
type Recognizer interface {
	RecognizeBatch(ctx context.Context, unit string, image []byte) (*usecase.BatchResult, error)
	ClassifyImages(ctx context.Context, unit string, imageURLs []string) ([]usecase.ImageClassification, error)
	ExtractFaces(ctx context.Context, unit, imageURL string) (*usecase.ExtractionResult, error)
	GetResult(ctx context.Context, requestID string) (*repository.RecognitionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Trainer builds galleries.
type Trainer interface {
	TrainClass(ctx context.Context, department, year, classID string) (*usecase.TrainingResult, error)
	TrainTrip(ctx context.Context, tripID string, faces map[string][]string) (*usecase.TrainingResult, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. readAuth guards
// the log and metrics endpoints, writeAuth the training endpoints.
func RegisterRoutes(router *gin.Engine, recognizer Recognizer, trainer Trainer, readAuth, writeAuth gin.HandlerFunc) {
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Face Recognition API running")
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/train-model/:classID", writeAuth, func(c *gin.Context) {
		var req struct {
			Department string `json:"department"`
			Year       string `json:"year"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}

		result, err := trainer.TrainClass(c.Request.Context(), req.Department, req.Year, c.Param("classID"))
		if err != nil {
			if errors.Is(err, gallery.ErrTrainingDataNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Image path does not exist"})
				return
			}
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, trainingResponse(c, "Model trained successfully", result))
	})

	router.POST("/api/recognize_attendance", func(c *gin.Context) {
		data, ok := readUpload(c, "file")
		if !ok {
			return
		}
		department := c.PostForm("department")
		year := c.PostForm("year")
		classID := c.PostForm("classID")
		if department == "" || year == "" || classID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "department, year and classID are required"})
			return
		}

		result, err := recognizer.RecognizeBatch(c.Request.Context(), gallery.ClassUnit(department, year, classID), data)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":      result.RequestID,
			"recognized":      result.Recognized,
			"unknown":         result.Unknown,
			"no_face_present": result.FaceCount,
		})
	})

	router.POST("/train-embeddings", writeAuth, func(c *gin.Context) {
		var req struct {
			TripID string          `json:"tripId"`
			Faces  json.RawMessage `json:"faces"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		faces, err := parseFaces(req.Faces)
		if req.TripID == "" || err != nil || len(faces) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing tripId or faces (S3 URLs)"})
			return
		}

		result, err := trainer.TrainTrip(c.Request.Context(), req.TripID, faces)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, trainingResponse(c, fmt.Sprintf("Model trained successfully for trip %s", req.TripID), result))
	})

	router.POST("/api/memorysnap/recognize", func(c *gin.Context) {
		var req struct {
			ImageURL string `json:"imageUrl"`
			TripID   string `json:"tripId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		if req.ImageURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No imageUrl provided"})
			return
		}
		if req.TripID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No tripId provided"})
			return
		}

		result, err := recognizer.ExtractFaces(c.Request.Context(), gallery.TripUnit(req.TripID), req.ImageURL)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"faces":            result.Faces,
			"count":            len(result.Faces),
			"originalImageUrl": result.OriginalImageURL,
		})
	})

	router.POST("/classify-faces", func(c *gin.Context) {
		var req struct {
			TripID        string   `json:"tripId"`
			ImageURLs     []string `json:"imageUrls"`
			EmbeddingPath string   `json:"embeddingPath"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		if req.TripID == "" || len(req.ImageURLs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tripId and imageUrls are required"})
			return
		}

		results, err := recognizer.ClassifyImages(c.Request.Context(), gallery.TripUnit(req.TripID), req.ImageURLs)
		if err != nil {
			writeError(c, err)
			return
		}
		payload := make([]gin.H, 0, len(results))
		for _, r := range results {
			if r.Error != "" {
				payload = append(payload, gin.H{"imageUrl": r.ImageURL, "error": r.Error})
				continue
			}
			recognized := r.Recognized
			if recognized == nil {
				recognized = []string{}
			}
			payload = append(payload, gin.H{"imageUrl": r.ImageURL, "recognized": recognized})
		}
		c.JSON(http.StatusOK, gin.H{"results": payload})
	})

	router.GET("/recognitions/:id", readAuth, func(c *gin.Context) {
		log, err := recognizer.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":            log.RequestID,
			"unit":                  log.Unit,
			"face_count":            log.FaceCount,
			"recognized":            log.Recognized,
			"unknown_count":         log.UnknownCount,
			"failed_count":          log.FailedCount,
			"processing_latency_ms": log.ProcessingLatencyMs,
			"created_at":            log.CreatedAt,
		})
	})

	router.GET("/metrics/summary", readAuth, func(c *gin.Context) {
		summary, err := recognizer.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// trainingResponse names the token subject that triggered the training when
// authentication is on.
func trainingResponse(c *gin.Context, message string, result *usecase.TrainingResult) gin.H {
	body := gin.H{
		"message":       message,
		"embeddingPath": result.Location,
		"identities":    len(result.Identities),
	}
	if userID, ok := auth.GetUserID(c.Request.Context()); ok {
		body["trainedBy"] = userID
	}
	return body
}

// readUpload returns the bytes of the multipart image field. It writes the
// error response itself and reports false on failure.
func readUpload(c *gin.Context, field string) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}
	if contentType := file.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + contentType})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	return data, true
}

// parseFaces accepts either {"identity": ["url", ...]} or ["url", ...]; in
// the list form each URL's file name is its identity.
func parseFaces(raw json.RawMessage) (map[string][]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("faces missing")
	}
	var grouped map[string][]string
	if err := json.Unmarshal(raw, &grouped); err == nil {
		return grouped, nil
	}
	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, err
	}
	return gallery.GroupURLsByStem(urls)
}

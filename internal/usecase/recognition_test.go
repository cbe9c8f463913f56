package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/logging"
	"github.com/example/face-recognition/internal/matcher"
	"github.com/example/face-recognition/internal/repository"
)

const testUnit = "classes/cse/3/a"

func testGalleries() *stubLoader {
	return &stubLoader{galleries: map[string]gallery.Gallery{
		testUnit: {
			"alice": {1, 0},
			"bob":   {0, 1},
		},
		"classes/empty/1/x": {},
	}}
}

func testEmbedder() *stubEmbedder {
	return &stubEmbedder{
		byRed: map[uint8]embedding.Vector{
			1: {1, 0},
			2: {0.9, 0.1},
			3: {0, 1},
			4: {-1, 0},
			5: {-1, -0.2},
		},
		errs: map[uint8]error{
			9: errors.New("embedding model crashed"),
		},
	}
}

type fixture struct {
	uc        *RecognitionUseCase
	extractor *stubExtractor
	sink      *memSink
	repo      *stubRepository
	cache     *stubCache
}

func newFixture(t *testing.T, crops []*faceprocessor.Frame, cfg RecognitionConfig) *fixture {
	t.Helper()
	f := &fixture{
		extractor: &stubExtractor{crops: crops},
		sink:      newMemSink(),
		repo:      &stubRepository{},
		cache:     &stubCache{},
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = matcher.DefaultThreshold
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	uc, err := NewRecognitionUseCase(RecognitionDeps{
		Galleries: testGalleries(),
		Extractor: f.extractor,
		Embedder:  testEmbedder(),
		Unknown:   f.sink,
		Repo:      f.repo,
		Cache:     f.cache,
	}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new use case: %v", err)
	}
	f.uc = uc
	return f
}

func TestRecognizeBatchPartitionsFaces(t *testing.T) {
	crops := []*faceprocessor.Frame{cropWithRed(1), cropWithRed(4), cropWithRed(3), cropWithRed(2), cropWithRed(5)}
	f := newFixture(t, crops, RecognitionConfig{})

	result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(result.Recognized, []string{"alice", "bob"}) {
		t.Fatalf("recognized = %v, want [alice bob]", result.Recognized)
	}
	if result.FaceCount != 5 {
		t.Fatalf("face count = %d, want 5", result.FaceCount)
	}
	if len(result.Unknown) != 2 {
		t.Fatalf("expected 2 unknown faces, got %d", len(result.Unknown))
	}
	if result.Unknown[0].ID == result.Unknown[1].ID {
		t.Fatal("unknown face identifiers must be distinct")
	}
	for _, u := range result.Unknown {
		want := "mem://" + testUnit + "/" + u.ID + ".jpg"
		if u.ImageURL != want {
			t.Fatalf("unknown url = %q, want %q", u.ImageURL, want)
		}
	}
	if len(f.sink.keys()) != 2 {
		t.Fatalf("expected 2 stored crops, got %v", f.sink.keys())
	}
	if len(f.repo.savedLogs) != 1 {
		t.Fatalf("expected one recognition log, got %d", len(f.repo.savedLogs))
	}
	log := f.repo.savedLogs[0]
	if log.RequestID != result.RequestID || log.UnknownCount != 2 || log.RecognizedCount != 3 {
		t.Fatalf("unexpected log %+v", log)
	}
	if len(f.cache.setKeys) != 1 || f.cache.setKeys[0] != "recognition:"+result.RequestID {
		t.Fatalf("unexpected cache writes %v", f.cache.setKeys)
	}
}

func TestRecognizeBatchZeroFaces(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{}, RecognitionConfig{})

	result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	if err != nil {
		t.Fatalf("zero faces must not be an error: %v", err)
	}
	if result.FaceCount != 0 || len(result.Recognized) != 0 || len(result.Unknown) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Recognized == nil || result.Unknown == nil {
		t.Fatal("empty results must be non-nil so they serialize as []")
	}
}

func TestRecognizeBatchZeroFacesWithEmptyGallery(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{}, RecognitionConfig{})

	result, err := f.uc.RecognizeBatch(context.Background(), "classes/empty/1/x", pngBytes(t, 0))
	if err != nil {
		t.Fatalf("zero faces must not be an error, even with an empty gallery: %v", err)
	}
	if result.FaceCount != 0 || len(result.Recognized) != 0 || len(result.Unknown) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRecognizeBatchInvalidImage(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})

	_, err := f.uc.RecognizeBatch(context.Background(), testUnit, []byte("not an image"))
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if f.extractor.calls != 0 {
		t.Fatal("detector must not run for an undecodable image")
	}
}

func TestRecognizeBatchGalleryPreconditions(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(1)}, RecognitionConfig{})

	_, err := f.uc.RecognizeBatch(context.Background(), "classes/none/1/x", pngBytes(t, 0))
	if !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected gallery.ErrNotFound, got %v", err)
	}

	if f.extractor.calls != 0 {
		t.Fatal("detection must not run without a gallery")
	}

	_, err = f.uc.RecognizeBatch(context.Background(), "classes/empty/1/x", pngBytes(t, 0))
	if !errors.Is(err, matcher.ErrNoKnownEmbeddings) {
		t.Fatalf("expected ErrNoKnownEmbeddings, got %v", err)
	}
	if len(f.sink.keys()) != 0 {
		t.Fatalf("no crop may be stored against an empty gallery, got %v", f.sink.keys())
	}

	_, err = f.uc.RecognizeBatch(context.Background(), "", pngBytes(t, 0))
	if !errors.Is(err, ErrUnitRequired) {
		t.Fatalf("expected ErrUnitRequired, got %v", err)
	}
}

func TestRecognizeBatchDetectorFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	f.extractor.err = errors.New("sidecar unavailable")

	_, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.detect_faces" {
		t.Fatalf("expected usecase.detect_faces error, got %v", err)
	}
}

func TestRecognizeBatchFailedCropPolicy(t *testing.T) {
	crops := []*faceprocessor.Frame{cropWithRed(1), cropWithRed(9)}

	t.Run("drop", func(t *testing.T) {
		f := newFixture(t, crops, RecognitionConfig{FailedCropPolicy: FailedCropDrop})
		result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
		if err != nil {
			t.Fatalf("a failing crop must not abort the batch: %v", err)
		}
		if len(result.Recognized) != 1 || len(result.Unknown) != 0 || result.Failed != 1 {
			t.Fatalf("unexpected result %+v", result)
		}
		if result.FaceCount != 2 {
			t.Fatalf("face count = %d, want 2", result.FaceCount)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t, crops, RecognitionConfig{FailedCropPolicy: FailedCropUnknown})
		result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
		if err != nil {
			t.Fatalf("a failing crop must not abort the batch: %v", err)
		}
		if len(result.Recognized) != 1 || len(result.Unknown) != 1 || result.Failed != 0 {
			t.Fatalf("unexpected result %+v", result)
		}
	})
}

func TestRecognizeBatchNoEmbeddingIsUnknown(t *testing.T) {
	// Red 7 has no embedding in the stub, i.e. the extractor found no face.
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(7)}, RecognitionConfig{})

	result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Unknown) != 1 || len(result.Recognized) != 0 {
		t.Fatalf("expected a single unknown face, got %+v", result)
	}
}

func TestRecognizeBatchUnknownStorageFailureIsFatal(t *testing.T) {
	crops := []*faceprocessor.Frame{cropWithRed(4), cropWithRed(1), cropWithRed(5)}
	f := newFixture(t, crops, RecognitionConfig{Workers: 1})
	bucketErr := errors.New("bucket unavailable")
	f.sink.putErr = bucketErr
	f.sink.failAfter = 1

	result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	if result != nil {
		t.Fatalf("expected no result, got %+v", result)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.store_unknown" {
		t.Fatalf("expected usecase.store_unknown operation error, got %v", err)
	}
	if !errors.Is(err, bucketErr) {
		t.Fatalf("storage cause must be preserved, got %v", err)
	}
	if keys := f.sink.keys(); len(keys) != 0 {
		t.Fatalf("crops stored before the failure must be removed, got %v", keys)
	}
	if len(f.sink.deleted) != 1 {
		t.Fatalf("expected one orphaned crop to be deleted, got %v", f.sink.deleted)
	}
	if len(f.repo.savedLogs) != 0 {
		t.Fatal("a failed batch must not be logged as a recognition")
	}
}

func TestLocalSessionClearsBeforeDetection(t *testing.T) {
	sink := clearingSink{memSink: newMemSink()}
	sink.objects["stale.jpg"] = []byte("old")

	extractor := &stubExtractor{crops: []*faceprocessor.Frame{cropWithRed(4)}}
	extractor.onCall = func() {
		if sink.clears != 1 || len(sink.objects) != 0 {
			t.Errorf("unknown faces must be cleared before detection (clears=%d, objects=%d)", sink.clears, len(sink.objects))
		}
	}
	uc, err := NewRecognitionUseCase(RecognitionDeps{
		Galleries: testGalleries(),
		Extractor: extractor,
		Embedder:  testEmbedder(),
		Unknown:   sink,
	}, RecognitionConfig{Threshold: matcher.DefaultThreshold, SessionMode: SessionLocal}, zap.NewNop())
	if err != nil {
		t.Fatalf("new use case: %v", err)
	}

	result, err := uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Unknown) != 1 {
		t.Fatalf("expected one unknown face, got %d", len(result.Unknown))
	}
	if _, ok := sink.objects[result.Unknown[0].ID+".jpg"]; !ok {
		t.Fatalf("local mode stores crops at the root, got keys %v", sink.keys())
	}
}

func TestBlobSessionNeverClears(t *testing.T) {
	sink := clearingSink{memSink: newMemSink()}
	uc, err := NewRecognitionUseCase(RecognitionDeps{
		Galleries: testGalleries(),
		Extractor: &stubExtractor{crops: []*faceprocessor.Frame{cropWithRed(4)}},
		Embedder:  testEmbedder(),
		Unknown:   sink,
	}, RecognitionConfig{Threshold: matcher.DefaultThreshold, SessionMode: SessionBlob}, zap.NewNop())
	if err != nil {
		t.Fatalf("new use case: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if sink.clears != 0 || len(sink.keys()) != 2 {
		t.Fatalf("blob mode must keep every crop (clears=%d, keys=%v)", sink.clears, sink.keys())
	}
}

func TestNewRecognitionUseCaseValidatesConfig(t *testing.T) {
	deps := RecognitionDeps{Unknown: newMemSink()}
	if _, err := NewRecognitionUseCase(deps, RecognitionConfig{SessionMode: SessionLocal}, zap.NewNop()); err == nil {
		t.Fatal("local mode without a clearable store must be rejected")
	}
	if _, err := NewRecognitionUseCase(deps, RecognitionConfig{FailedCropPolicy: "retry"}, zap.NewNop()); err == nil {
		t.Fatal("unknown failed crop policy must be rejected")
	}
	if _, err := NewRecognitionUseCase(deps, RecognitionConfig{SessionMode: "tmpfs"}, zap.NewNop()); err == nil {
		t.Fatal("unknown session mode must be rejected")
	}
}

func TestRecognizeBatchRetriesRedisSet(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(1)}, RecognitionConfig{})
	f.cache.setErrs = []error{transientRedisError{}}
	f.uc.retry.initialBackoff = 0

	if _, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0)); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(f.cache.setKeys) != 2 {
		t.Fatalf("expected 2 cache set calls (retry), got %d", len(f.cache.setKeys))
	}
	if f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", f.cache.setKeys[0], f.cache.setKeys[1])
	}
}

func TestRecognizeBatchSurvivesLogFailures(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(1)}, RecognitionConfig{})
	f.repo.saveErr = errors.New("db down")
	f.cache.setErrs = []error{errors.New("redis down")}

	result, err := f.uc.RecognizeBatch(context.Background(), testUnit, pngBytes(t, 0))
	if err != nil {
		t.Fatalf("log persistence must not fail recognition: %v", err)
	}
	if len(result.Recognized) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	f.cache.getErrs = []error{redis.Nil}
	expected := &repository.RecognitionLog{RequestID: "req", Unit: testUnit}
	f.repo.findLog = expected

	log, err := f.uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if f.repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", f.repo.findCalls)
	}
}

func TestGetResultUsesCache(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	payload, err := json.Marshal(cachedRecognition{RequestID: "req", Unit: testUnit, FaceCount: 3, Recognized: []string{"alice"}, UnknownCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.cache.getValues = []string{string(payload)}

	log, err := f.uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.FaceCount != 3 || log.RecognizedCount != 2 || !reflect.DeepEqual(log.Recognized, []string{"alice"}) {
		t.Fatalf("unexpected log %+v", log)
	}
	if f.repo.findCalls != 0 {
		t.Fatal("repository must not be queried on a cache hit")
	}
}

func TestGetResultNotFound(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	_, err := f.uc.GetResult(context.Background(), "missing")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected repository.ErrNotFound, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	f.repo.agg = &repository.MetricsAggregation{TotalCount: 2, TotalFaces: 8, TotalRecognized: 6, TotalUnknown: 2, AverageProcessingLatencyMs: 12.5}

	summary, err := f.uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.RecognitionRate != 0.75 || summary.TotalRequests != 2 || summary.AverageProcessingLatencyMs != 12.5 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestClassifyImagesReportsPerImageErrors(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(1), cropWithRed(7), cropWithRed(4), cropWithRed(2)}, RecognitionConfig{})
	f.uc.deps.Fetcher = &stubFetcher{
		bodies: map[string][]byte{
			"https://img/ok.jpg":      pngBytes(t, 0),
			"https://img/corrupt.jpg": []byte("garbage"),
		},
		errs: map[string]error{"https://img/offline.jpg": errors.New("connection reset")},
	}
	urls := []string{"https://img/ok.jpg", "https://img/offline.jpg", "https://img/corrupt.jpg"}

	results, err := f.uc.ClassifyImages(context.Background(), testUnit, urls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != "" || !reflect.DeepEqual(results[0].Recognized, []string{"alice", "alice"}) {
		t.Fatalf("unexpected ok result %+v", results[0])
	}
	if results[1].Error != "Failed to download" {
		t.Fatalf("unexpected offline result %+v", results[1])
	}
	if !strings.HasPrefix(results[2].Error, "Processing error:") {
		t.Fatalf("unexpected corrupt result %+v", results[2])
	}
	for i, r := range results {
		if r.ImageURL != urls[i] {
			t.Fatalf("result %d out of order: %s", i, r.ImageURL)
		}
	}
}

func TestClassifyImagesMissingGallery(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	_, err := f.uc.ClassifyImages(context.Background(), "trips/none", []string{"https://img/ok.jpg"})
	if !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected gallery.ErrNotFound, got %v", err)
	}
}

func TestExtractFacesUploadsEveryCrop(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(1), cropWithRed(4)}, RecognitionConfig{})
	f.uc.deps.Fetcher = &stubFetcher{bodies: map[string][]byte{"https://img/selfie.jpg": pngBytes(t, 0)}}

	result, err := f.uc.ExtractFaces(context.Background(), "trips/t1", "https://img/selfie.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Faces) != 2 || result.OriginalImageURL != "https://img/selfie.jpg" {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, face := range result.Faces {
		if face.ImageURL != "mem://trips/t1/"+face.ID+".jpg" {
			t.Fatalf("unexpected crop url %q", face.ImageURL)
		}
	}
}

func TestExtractFacesUploadFailureRemovesStoredCrops(t *testing.T) {
	f := newFixture(t, []*faceprocessor.Frame{cropWithRed(1), cropWithRed(4)}, RecognitionConfig{})
	f.uc.deps.Fetcher = &stubFetcher{bodies: map[string][]byte{"https://img/selfie.jpg": pngBytes(t, 0)}}
	f.sink.putErr = errors.New("access denied")
	f.sink.failAfter = 1

	_, err := f.uc.ExtractFaces(context.Background(), "trips/t1", "https://img/selfie.jpg")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.store_crop" {
		t.Fatalf("expected usecase.store_crop operation error, got %v", err)
	}
	if keys := f.sink.keys(); len(keys) != 0 {
		t.Fatalf("expected no crops left behind, got %v", keys)
	}
}

func TestExtractFacesDownloadFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil, RecognitionConfig{})
	boom := errors.New("dns failure")
	f.uc.deps.Fetcher = &stubFetcher{errs: map[string]error{"https://img/x.jpg": boom}}

	_, err := f.uc.ExtractFaces(context.Background(), "trips/t1", "https://img/x.jpg")
	if !errors.Is(err, boom) {
		t.Fatalf("expected download error, got %v", err)
	}
}

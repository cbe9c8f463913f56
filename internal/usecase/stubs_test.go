package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/repository"
)

func solidImage(r uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: r, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, r uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(r)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// cropWithRed builds a crop frame whose red channel selects the stub embedding.
func cropWithRed(r uint8) *faceprocessor.Frame {
	return &faceprocessor.Frame{Image: solidImage(r), Format: "png"}
}

func redOf(frame *faceprocessor.Frame) uint8 {
	r, _, _, _ := frame.Image.At(0, 0).RGBA()
	return uint8(r >> 8)
}

type stubLoader struct {
	galleries map[string]gallery.Gallery
	err       error
}

func (s *stubLoader) Load(ctx context.Context, unit string) (gallery.Gallery, error) {
	if s.err != nil {
		return nil, s.err
	}
	g, ok := s.galleries[unit]
	if !ok {
		return nil, gallery.ErrNotFound
	}
	return g, nil
}

type stubExtractor struct {
	mu     sync.Mutex
	crops  []*faceprocessor.Frame
	err    error
	calls  int
	onCall func()
}

func (s *stubExtractor) Extract(ctx context.Context, frame *faceprocessor.Frame) ([]*faceprocessor.Frame, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.crops, nil
}

type stubEmbedder struct {
	byRed map[uint8]embedding.Vector
	errs  map[uint8]error
}

func (s *stubEmbedder) Embed(ctx context.Context, frame *faceprocessor.Frame) (embedding.Vector, error) {
	red := redOf(frame)
	if err := s.errs[red]; err != nil {
		return nil, err
	}
	return s.byRed[red], nil
}

type memSink struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	clears  int

	// failAfter makes every Put after the first failAfter ones return putErr.
	failAfter int
	puts      int
	deleted   []string
}

func newMemSink() *memSink {
	return &memSink{objects: map[string][]byte{}}
}

func (m *memSink) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil && m.puts > m.failAfter {
		return "", m.putErr
	}
	m.objects[key] = data
	return "mem://" + key, nil
}

func (m *memSink) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memSink) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// clearingSink adds storage.Clearer to memSink.
type clearingSink struct {
	*memSink
}

func (c clearingSink) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	c.objects = map[string][]byte{}
	return nil
}

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.RecognitionLog
	saveErr   error
	findLog   *repository.RecognitionLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.RecognitionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.RecognitionLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return nil, errors.New("no metrics")
	}
	return s.agg, nil
}

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return true, s.Set(ctx, key, value, expiration)
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	if value == "" && err == nil {
		err = redis.Nil
	}
	return value, err
}

func (s *stubCache) Del(ctx context.Context, keys ...string) error {
	return nil
}

type stubFetcher struct {
	bodies map[string][]byte
	errs   map[string]error
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := s.errs[url]; err != nil {
		return nil, err
	}
	body, ok := s.bodies[url]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return body, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

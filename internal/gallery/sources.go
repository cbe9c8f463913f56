package gallery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/face-recognition/internal/storage"
)

// ErrSourceUnreadable marks a single training image that could not be read.
// The aggregator skips such sources instead of failing the run.
var ErrSourceUnreadable = errors.New("image source unreadable")

// ImageSource yields the encoded bytes of one training image.
type ImageSource interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
}

// IdentitySource lists the training images of one identity.
type IdentitySource struct {
	Identity string
	Images   []ImageSource
}

// FileSource reads an image from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return s.Path }

func (s FileSource) Read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	return data, nil
}

// URLSource downloads an image. Download failures are returned unwrapped and
// abort training.
type URLSource struct {
	URL     string
	Fetcher storage.Fetcher
}

func (s URLSource) Name() string { return s.URL }

func (s URLSource) Read(ctx context.Context) ([]byte, error) {
	return s.Fetcher.Fetch(ctx, s.URL)
}

// DirectorySources walks the attendance layout root/<identity>/<images>.
// Files directly under root are ignored, as are hidden entries.
func DirectorySources(root string) ([]IdentitySource, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTrainingDataNotFound, root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrTrainingDataNotFound, root)
	}

	people, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}

	var sources []IdentitySource
	for _, person := range people {
		if !person.IsDir() || strings.HasPrefix(person.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, person.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		src := IdentitySource{Identity: person.Name()}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			src.Images = append(src.Images, FileSource{Path: filepath.Join(dir, f.Name())})
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// URLSources builds sources from an identity -> image URLs mapping, ordered by
// identity.
func URLSources(faces map[string][]string, fetcher storage.Fetcher) []IdentitySource {
	ids := make([]string, 0, len(faces))
	for id := range faces {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sources := make([]IdentitySource, 0, len(ids))
	for _, id := range ids {
		src := IdentitySource{Identity: id}
		for _, u := range faces[id] {
			src.Images = append(src.Images, URLSource{URL: u, Fetcher: fetcher})
		}
		sources = append(sources, src)
	}
	return sources
}

// GroupURLsByStem groups face URLs by the file name of their path without
// extension, e.g. ".../trip-1/8f2c.jpg" belongs to identity "8f2c".
func GroupURLsByStem(urls []string) (map[string][]string, error) {
	faces := make(map[string][]string, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse face url %q: %w", raw, err)
		}
		base := path.Base(u.Path)
		stem := strings.TrimSuffix(base, path.Ext(base))
		if stem == "" || stem == "." || stem == "/" {
			return nil, fmt.Errorf("face url %q has no file name", raw)
		}
		faces[stem] = append(faces[stem], raw)
	}
	return faces, nil
}

// Package dataset reads captured inputs from and publishes extractor
// products to a gocloud blob bucket. Keys inside a dataset are always
// relative to the dataset root ("raw/img_0001.tif", never "/..." or
// "../...").
package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets for tests
	"golang.org/x/text/unicode/norm"

	"github.com/agriscope/gleaner/internal/log"
)

// Store wraps one bucket holding all datasets.
type Store struct {
	bucket *blob.Bucket
	url    string
}

// StageStats summarizes one Stage call.
type StageStats struct {
	Files int
	Bytes int64
}

// PublishResult lists what one job published.
type PublishResult struct {
	// Keys are dataset-relative ("extracted/<extractor>/<jobID>/...").
	Keys  []string
	Bytes int64
}

// Open opens the bucket at urlstr (file://..., mem://...).
func Open(ctx context.Context, urlstr string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("dataset: open bucket %s: %w", urlstr, err)
	}
	return &Store{bucket: bucket, url: urlstr}, nil
}

func (s *Store) Close() error { return s.bucket.Close() }

// URL returns the bucket URL the store was opened with.
func (s *Store) URL() string { return s.url }

// safeRelKey rejects keys that could escape a dataset or a staging
// directory. Keys must be clean, relative, NFC-normalized slash paths.
func safeRelKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if strings.Contains(key, "\\") {
		return fmt.Errorf("key %q contains a backslash", key)
	}
	if norm.NFC.String(key) != key {
		return fmt.Errorf("key %q is not NFC-normalized", key)
	}
	if path.IsAbs(key) {
		return fmt.Errorf("key %q is absolute", key)
	}
	clean := path.Clean(key)
	if clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("key %q is not a clean relative path", key)
	}
	return nil
}

// hidden reports whether any path segment starts with a dot.
func hidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// HasDataset reports whether at least one object exists under the
// dataset's key prefix.
func (s *Store) HasDataset(ctx context.Context, datasetID string) (bool, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: datasetID + "/"})
	_, err := iter.Next(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stage downloads dataset inputs into dstDir, preserving relative
// layout. With empty keys the whole dataset is staged, minus hidden
// objects.
func (s *Store) Stage(ctx context.Context, datasetID string, keys []string, dstDir string) (*StageStats, error) {
	if len(keys) == 0 {
		var err error
		keys, err = s.listKeys(ctx, datasetID)
		if err != nil {
			return nil, err
		}
	}

	stats := &StageStats{}
	for _, key := range keys {
		if err := safeRelKey(key); err != nil {
			return nil, fmt.Errorf("dataset: stage %s: %w", datasetID, err)
		}
		n, err := s.stageOne(ctx, datasetID, key, dstDir)
		if err != nil {
			return nil, fmt.Errorf("dataset: stage %s/%s: %w", datasetID, key, err)
		}
		stats.Files++
		stats.Bytes += n
	}

	logger := log.WithComponent("dataset")
	logger.Debug().
		Str(log.FieldDatasetID, datasetID).
		Int("files", stats.Files).
		Int64("bytes", stats.Bytes).
		Msg("dataset staged")
	return stats, nil
}

func (s *Store) stageOne(ctx context.Context, datasetID, key, dstDir string) (int64, error) {
	r, err := s.bucket.NewReader(ctx, datasetID+"/"+key, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	local := filepath.Join(dstDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(local)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(local)
		return 0, err
	}
	return n, nil
}

// listKeys returns all non-hidden dataset-relative keys.
func (s *Store) listKeys(ctx context.Context, datasetID string) ([]string, error) {
	prefix := datasetID + "/"
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || hidden(rel) {
			continue
		}
		keys = append(keys, rel)
	}
	return keys, nil
}

// imageExtensions are recognized without consulting the MIME table,
// which lacks TIFF on scratch images.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".tif": true, ".tiff": true,
	".bmp": true, ".gif": true, ".webp": true,
}

func isImageKey(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	if imageExtensions[ext] {
		return true
	}
	return strings.HasPrefix(mime.TypeByExtension(ext), "image/")
}

// WalkImages calls fn for every image object of a dataset with its
// dataset-relative key and size. A non-nil error from fn stops the walk.
func (s *Store) WalkImages(ctx context.Context, datasetID string, fn func(key string, size int64) error) error {
	prefix := datasetID + "/"
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || hidden(rel) || !isImageKey(rel) {
			continue
		}
		if err := fn(rel, obj.Size); err != nil {
			return err
		}
	}
}

// Fingerprint returns the sha256 hex digest of one dataset object.
func (s *Store) Fingerprint(ctx context.Context, datasetID, key string) (string, error) {
	r, err := s.bucket.NewReader(ctx, datasetID+"/"+key, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Publish uploads every regular file under srcDir to
// <datasetID>/extracted/<extractor>/<jobID>/<relative path>. Each upload
// is length-verified against the bucket afterwards.
func (s *Store) Publish(ctx context.Context, datasetID, extractor, jobID, srcDir string) (*PublishResult, error) {
	result := &PublishResult{}
	keyBase := path.Join("extracted", extractor, jobID)

	err := filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != srcDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		relKey := path.Join(keyBase, filepath.ToSlash(rel))

		n, err := s.uploadOne(ctx, datasetID+"/"+relKey, p)
		if err != nil {
			return fmt.Errorf("upload %s: %w", relKey, err)
		}
		result.Keys = append(result.Keys, relKey)
		result.Bytes += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: publish %s/%s: %w", datasetID, jobID, err)
	}

	logger := log.WithComponent("dataset")
	logger.Debug().
		Str(log.FieldDatasetID, datasetID).
		Str(log.FieldJobID, jobID).
		Int("files", len(result.Keys)).
		Int64("bytes", result.Bytes).
		Msg("products published")
	return result, nil
}

func (s *Store) uploadOne(ctx context.Context, bucketKey, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	w, err := s.bucket.NewWriter(ctx, bucketKey, nil)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, f)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	attrs, err := s.bucket.Attributes(ctx, bucketKey)
	if err != nil {
		return 0, fmt.Errorf("verify: %w", err)
	}
	if attrs.Size != n {
		return 0, fmt.Errorf("verify: wrote %d bytes but bucket holds %d", n, attrs.Size)
	}
	return n, nil
}

package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg" // preview hash decoding
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/google/renameio/v2"
	"github.com/tidwall/sjson"
)

// manifestName is the metadata document every extractor leaves beside
// its products.
const manifestName = "metadata.json"

// manifest accumulates the metadata.json document for one run. Values
// are set as JSON paths so pipelines can attach nested detail without
// declaring a struct each.
type manifest struct {
	body []byte
	err  error
}

func newManifest(name, version string, job Context) *manifest {
	m := &manifest{body: []byte(`{}`)}
	m.set("extractor.name", name)
	m.set("extractor.version", version)
	m.set("job.id", job.JobID)
	m.set("job.datasetId", job.DatasetID)
	return m
}

// set records a value under a dotted path. The first failure sticks and
// surfaces on write.
func (m *manifest) set(path string, value any) {
	if m.err != nil {
		return
	}
	body, err := sjson.SetBytes(m.body, path, value)
	if err != nil {
		m.err = fmt.Errorf("manifest: set %s: %w", path, err)
		return
	}
	m.body = body
}

func (m *manifest) addProduct(i int, p Product) {
	prefix := fmt.Sprintf("products.%d.", i)
	m.set(prefix+"key", p.Key)
	m.set(prefix+"bytes", p.Bytes)
	m.set(prefix+"sha256", p.SHA256)
	if p.Plot != "" {
		m.set(prefix+"plot", p.Plot)
	}
	for approach, h := range p.Hashes {
		m.set(prefix+"hashes."+approach, h)
	}
}

// write finalizes timings and products and atomically replaces
// outDir/metadata.json.
func (m *manifest) write(outDir string, started, ended time.Time, products []Product) error {
	for i, p := range products {
		m.addProduct(i, p)
	}
	m.set("timings.startedAt", started.UTC().Format(time.RFC3339))
	m.set("timings.endedAt", ended.UTC().Format(time.RFC3339))
	m.set("timings.durationS", ended.Sub(started).Seconds())
	if m.err != nil {
		return m.err
	}

	target := filepath.Join(outDir, manifestName)
	pending, err := renameio.NewPendingFile(target)
	if err != nil {
		return fmt.Errorf("manifest: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(m.body); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("manifest: replace %s: %w", target, err)
	}
	return nil
}

// newProduct fingerprints one produced file. key is relative to outDir
// with forward slashes; preview images additionally get perceptual
// hashes.
func newProduct(outDir, key, plot string) (Product, error) {
	full := filepath.Join(outDir, filepath.FromSlash(key))
	sum, size, err := fingerprintFile(full)
	if err != nil {
		return Product{}, fmt.Errorf("fingerprint %s: %w", key, err)
	}
	p := Product{Key: key, Plot: plot, Bytes: size, SHA256: sum}
	if isPreviewKey(key) {
		hashes, err := previewHashes(full)
		if err != nil {
			return Product{}, fmt.Errorf("hash preview %s: %w", key, err)
		}
		p.Hashes = hashes
	}
	return p, nil
}

func isPreviewKey(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// fingerprintFile returns the sha256 hex digest and byte size of a file.
func fingerprintFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// previewHashes computes perceptual hashes of an image, keyed by
// approach.
func previewHashes(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	im, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	avg, err := goimagehash.AverageHash(im)
	if err != nil {
		return nil, err
	}
	diff, err := goimagehash.DifferenceHash(im)
	if err != nil {
		return nil, err
	}
	return map[string]string{"avg": avg.ToString(), "diff": diff.ToString()}, nil
}

// productsFromDir fingerprints every file under dir except the manifest
// itself, in stable key order.
func productsFromDir(dir string) ([]Product, error) {
	var products []Product
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if key == manifestName {
			return nil
		}
		prod, err := newProduct(dir, key, "")
		if err != nil {
			return err
		}
		products = append(products, prod)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

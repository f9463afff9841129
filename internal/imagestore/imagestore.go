// Package imagestore manages temporary on-disk storage for uploaded scan
// images. Every image written during a pipeline run is tracked by a Scope and
// removed before the run's handler returns, whatever the outcome.
package imagestore

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// allowedExtensions are the image types the service accepts for OCR.
var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".webp": true, ".bmp": true, ".tiff": true, ".tif": true,
}

var dataURIPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// StoredImage is a handle to one temporary image file.
type StoredImage struct {
	Name string // unique basename within the store directory
	Path string // absolute or store-relative file path
	Size int64  // payload size in bytes
}

// Store writes images into a single directory using random unique names, so
// concurrent pipeline runs never collide without any coordination.
type Store struct {
	dir string
}

// New creates the store directory if needed and returns a Store over it.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("imagestore: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagestore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string { return s.dir }

// Save writes raw image bytes under a fresh UUID-based name. The extension is
// normalized to lower case and must be a supported image type.
func (s *Store) Save(data []byte, ext string) (StoredImage, error) {
	if len(data) == 0 {
		return StoredImage{}, fmt.Errorf("imagestore: empty image payload")
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if !allowedExtensions[ext] {
		return StoredImage{}, fmt.Errorf("imagestore: unsupported image type %q", ext)
	}

	name := uuid.NewString() + ext
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return StoredImage{}, fmt.Errorf("imagestore: write %s: %w", name, err)
	}
	return StoredImage{Name: name, Path: path, Size: int64(len(data))}, nil
}

// DecodeBase64 decodes a base64 image payload, tolerating an optional
// "data:image/...;base64," prefix as sent by the mobile client.
func DecodeBase64(encoded string) ([]byte, error) {
	encoded = dataURIPrefix.ReplaceAllString(strings.TrimSpace(encoded), "")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("imagestore: decode base64: %w", err)
	}
	return data, nil
}

// SaveBase64 decodes a base64 image payload and stores it as a JPEG upload.
func (s *Store) SaveBase64(encoded string) (StoredImage, error) {
	data, err := DecodeBase64(encoded)
	if err != nil {
		return StoredImage{}, err
	}
	return s.Save(data, ".jpg")
}

// Delete removes a stored image. Deleting an image whose file is already gone
// is a no-op, so cleanup paths can run more than once.
func (s *Store) Delete(img StoredImage) error {
	if img.Path == "" {
		return nil
	}
	if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("imagestore: delete %s: %w", img.Name, err)
	}
	return nil
}

// List returns the basenames currently present in the store directory.
// Used by tests and housekeeping to verify the cleanup invariant.
func (s *Store) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("imagestore: list: %w", err)
	}
	return names, nil
}

// Scope tracks every image created during one pipeline run. Closing the scope
// deletes all of them; Close is idempotent.
type Scope struct {
	store  *Store
	images []StoredImage
}

// NewScope returns an empty cleanup scope bound to this store.
func (s *Store) NewScope() *Scope {
	return &Scope{store: s}
}

// Add registers an image for deletion when the scope closes.
func (sc *Scope) Add(img StoredImage) {
	sc.images = append(sc.images, img)
}

// Close deletes every tracked image. Missing files are ignored; the first
// real deletion error is returned after all images have been attempted.
func (sc *Scope) Close() error {
	var firstErr error
	for _, img := range sc.images {
		if err := sc.store.Delete(img); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sc.images = nil
	return firstErr
}

package assemble

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"testing"

	"github.com/textlens/scan-processing-service/internal/imagestore"
)

func newAssembler(t *testing.T) *Assembler {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func saveJPEG(t *testing.T, w, h int) imagestore.StoredImage {
	t.Helper()
	store, err := imagestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	stored, err := store.Save(buf.Bytes(), ".jpg")
	if err != nil {
		t.Fatalf("save fixture: %v", err)
	}
	return stored
}

func assertIsPDF(t *testing.T, art Artifact) {
	t.Helper()
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) < 5 || string(data[:4]) != "%PDF" {
		t.Errorf("artifact does not start with PDF magic bytes")
	}
}

func TestSingleProducesPDFWithEmbeddedImage(t *testing.T) {
	a := newAssembler(t)
	src := saveJPEG(t, 300, 200)

	art, err := a.Single("Hello world\nSecond line", "Grocery list", src)
	if err != nil {
		t.Fatalf("Single failed: %v", err)
	}
	assertIsPDF(t, art)
}

func TestMultiProducesPDF(t *testing.T) {
	a := newAssembler(t)

	art, err := a.Multi("Page 1\n\nalpha\n\nPage 2\n\nbeta", "Notebook scan", 2)
	if err != nil {
		t.Fatalf("Multi failed: %v", err)
	}
	assertIsPDF(t, art)
}

func TestArtifactNamesAreUnique(t *testing.T) {
	a := newAssembler(t)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		art, err := a.Multi("text", "t", 1)
		if err != nil {
			t.Fatalf("Multi failed: %v", err)
		}
		if seen[art.Name] {
			t.Fatalf("duplicate artifact name: %s", art.Name)
		}
		seen[art.Name] = true
	}
}

func TestSingleFailsOnMissingSourceImage(t *testing.T) {
	a := newAssembler(t)

	_, err := a.Single("text", "t", imagestore.StoredImage{Name: "gone.jpg", Path: "/nonexistent/gone.jpg"})
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("got %v, want *AssemblyError", err)
	}
}

func TestSingleFailsOnCorruptSourceImage(t *testing.T) {
	a := newAssembler(t)
	store, err := imagestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	src, err := store.Save([]byte("not an image"), ".jpg")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err = a.Single("text", "t", src)
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("got %v, want *AssemblyError", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	a := newAssembler(t)

	art, err := a.Multi("text", "t", 1)
	if err != nil {
		t.Fatalf("Multi failed: %v", err)
	}
	if err := a.Remove(art); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := a.Remove(art); err != nil {
		t.Fatalf("second Remove should be a no-op, got: %v", err)
	}
	if err := a.Remove(Artifact{}); err != nil {
		t.Fatalf("Remove of zero artifact should be a no-op, got: %v", err)
	}
}

func TestLongTextSpansPagesWithoutError(t *testing.T) {
	a := newAssembler(t)

	long := bytes.Repeat([]byte("lorem ipsum dolor sit amet "), 2000)
	art, err := a.Multi(string(long), "Long scan", 3)
	if err != nil {
		t.Fatalf("Multi failed on long text: %v", err)
	}
	assertIsPDF(t, art)
}

// Package assemble renders the extracted text into a single PDF artifact.
// Single-page documents embed the source photo above the recognized text;
// batch documents carry the concatenated text only.
package assemble

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/go-pdf/fpdf"
	"github.com/google/uuid"

	"github.com/textlens/scan-processing-service/internal/imagestore"
)

const (
	pageMargin   = 40.0
	titleSize    = 16.0
	bodySize     = 11.0
	bodyLineH    = 16.0
	maxImageH    = 320.0
	imageTextGap = 18.0
)

// AssemblyError is a failure of the document-generation capability.
type AssemblyError struct {
	Stage string
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly failed (%s): %v", e.Stage, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Artifact is a handle to one generated output document.
type Artifact struct {
	Name string // unique basename within the output directory
	Path string
}

// Assembler writes artifacts into a single output directory under
// UUID-based names so concurrent runs never collide.
type Assembler struct {
	dir string
}

// New creates the output directory if needed and returns an Assembler.
func New(dir string) (*Assembler, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("assemble: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("assemble: create dir: %w", err)
	}
	return &Assembler{dir: dir}, nil
}

// Dir returns the artifact output directory.
func (a *Assembler) Dir() string { return a.dir }

// Single produces a one-page-scan artifact: title, the source photo scaled to
// the content width, then the recognized text.
func (a *Assembler) Single(text, title string, source imagestore.StoredImage) (Artifact, error) {
	pdf, tr := newDoc(title)

	if err := a.placeImage(pdf, source); err != nil {
		return Artifact{}, err
	}
	pdf.Ln(imageTextGap)

	pdf.SetFont("Helvetica", "", bodySize)
	pdf.MultiCell(0, bodyLineH, tr(text), "", "L", false)

	return a.write(pdf)
}

// Multi produces a batch artifact from the already-merged text. No per-page
// source images are embedded; the text carries the page markers.
func (a *Assembler) Multi(text, title string, pageCount int) (Artifact, error) {
	pdf, tr := newDoc(title)

	pdf.SetFont("Helvetica", "I", 9)
	pdf.CellFormat(0, 14, tr(fmt.Sprintf("%d pages", pageCount)), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", bodySize)
	pdf.MultiCell(0, bodyLineH, tr(text), "", "L", false)

	return a.write(pdf)
}

func newDoc(title string) (*fpdf.Fpdf, func(string) string) {
	pdf := fpdf.New("P", "pt", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(title), false)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", titleSize)
	pdf.MultiCell(0, titleSize+6, tr(title), "", "L", false)
	pdf.Ln(10)
	return pdf, tr
}

// placeImage embeds the source photo scaled to fit the content width, capped
// in height so at least some text fits on the first page.
func (a *Assembler) placeImage(pdf *fpdf.Fpdf, source imagestore.StoredImage) error {
	data, err := os.ReadFile(source.Path)
	if err != nil {
		return &AssemblyError{Stage: "read source image", Err: err}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return &AssemblyError{Stage: "decode source image", Err: err}
	}

	pageW, _ := pdf.GetPageSize()
	contentW := pageW - 2*pageMargin
	w := contentW
	h := w * float64(cfg.Height) / float64(cfg.Width)
	if h > maxImageH {
		h = maxImageH
		w = h * float64(cfg.Width) / float64(cfg.Height)
	}

	opts := fpdf.ImageOptions{ImageType: strings.ToUpper(format)}
	pdf.RegisterImageOptionsReader(source.Name, opts, bytes.NewReader(data))
	x := pageMargin + (contentW-w)/2
	pdf.ImageOptions(source.Name, x, pdf.GetY(), w, h, true, opts, 0, "")

	if pdf.Err() {
		return &AssemblyError{Stage: "embed source image", Err: pdf.Error()}
	}
	return nil
}

func (a *Assembler) write(pdf *fpdf.Fpdf) (Artifact, error) {
	name := uuid.NewString() + ".pdf"
	path := filepath.Join(a.dir, name)
	if err := pdf.OutputFileAndClose(path); err != nil {
		// Never leave a partial artifact behind.
		_ = os.Remove(path)
		return Artifact{}, &AssemblyError{Stage: "write pdf", Err: err}
	}
	return Artifact{Name: name, Path: path}, nil
}

// Remove deletes a generated artifact file; a missing file is not an error.
func (a *Assembler) Remove(art Artifact) error {
	if art.Path == "" {
		return nil
	}
	if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("assemble: remove %s: %w", art.Name, err)
	}
	return nil
}

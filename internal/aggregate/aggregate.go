// Package aggregate sequences recognition across an ordered batch of images
// and merges the per-page results into one logical document. A page that
// fails recognition is absorbed as an empty zero-score entry rather than
// aborting the batch: one unreadable page must not void an otherwise
// successful multi-page scan.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/textlens/scan-processing-service/internal/imagestore"
	"github.com/textlens/scan-processing-service/internal/ocr"
)

// Recognizer is the extraction capability consumed per page.
type Recognizer interface {
	Extract(ctx context.Context, img imagestore.StoredImage, language string) (ocr.PageResult, error)
}

// Result is the merge of N page results.
type Result struct {
	CombinedText      string
	TotalWordCount    int
	AverageConfidence int
	PageCount         int
	Pages             []ocr.PageResult
	FailedPages       int
}

// ExtractPages runs the recognizer over every image in submission order and
// always returns exactly one PageResult per input, in that order. Extraction
// failures (transport or no-text) become pages with empty text and zero
// confidence and word count; the loop never short-circuits.
func ExtractPages(ctx context.Context, rec Recognizer, images []imagestore.StoredImage, language string) []ocr.PageResult {
	pages := make([]ocr.PageResult, 0, len(images))
	for i, img := range images {
		page, err := rec.Extract(ctx, img, language)
		if err != nil {
			slog.Warn("page recognition failed, continuing batch",
				"page", i+1, "image", img.Name, "error", err)
			page = ocr.PageResult{Source: img}
		}
		pages = append(pages, page)
	}
	return pages
}

// Merge combines attempted pages into a single document. With one page it is
// the identity transform: the page's text passes through without markers.
// With several, each page's text appears under a "Page N" header line in
// submission order, pages separated by a blank line. Failed (empty) pages
// keep their header so the ordinals stay aligned with the submitted images.
func Merge(pages []ocr.PageResult) Result {
	res := Result{
		Pages:     pages,
		PageCount: len(pages),
	}
	if len(pages) == 0 {
		return res
	}

	confidenceSum := 0
	for _, p := range pages {
		res.TotalWordCount += p.WordCount
		confidenceSum += p.Confidence
		if strings.TrimSpace(p.Text) == "" {
			res.FailedPages++
		}
	}
	// Mean over all attempted pages, zero-scored failures included.
	res.AverageConfidence = int(math.Round(float64(confidenceSum) / float64(len(pages))))

	if len(pages) == 1 {
		res.CombinedText = pages[0].Text
		return res
	}

	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Page %d\n\n", i+1)
		b.WriteString(strings.TrimSpace(p.Text))
	}
	res.CombinedText = strings.TrimSpace(b.String())
	return res
}

package aggregate

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/textlens/scan-processing-service/internal/imagestore"
	"github.com/textlens/scan-processing-service/internal/ocr"
)

type recognizerFunc func(ctx context.Context, img imagestore.StoredImage, language string) (ocr.PageResult, error)

func (f recognizerFunc) Extract(ctx context.Context, img imagestore.StoredImage, language string) (ocr.PageResult, error) {
	return f(ctx, img, language)
}

func fakeImages(n int) []imagestore.StoredImage {
	imgs := make([]imagestore.StoredImage, n)
	for i := range imgs {
		imgs[i] = imagestore.StoredImage{Name: fmt.Sprintf("img-%d.jpg", i+1)}
	}
	return imgs
}

func pageFor(text string, confidence int, src imagestore.StoredImage) ocr.PageResult {
	return ocr.PageResult{
		Text:       text,
		Confidence: confidence,
		WordCount:  ocr.CountWords(text),
		Source:     src,
	}
}

func TestExtractPagesAbsorbsPerPageFailure(t *testing.T) {
	texts := map[string]string{
		"img-1.jpg": "first page text",
		"img-3.jpg": "third page",
	}
	rec := recognizerFunc(func(_ context.Context, img imagestore.StoredImage, _ string) (ocr.PageResult, error) {
		text, ok := texts[img.Name]
		if !ok {
			return ocr.PageResult{}, &ocr.RecognitionError{Reason: "unreadable"}
		}
		return pageFor(text, 90, img), nil
	})

	pages := ExtractPages(context.Background(), rec, fakeImages(3), "eng")

	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	if pages[0].Text != "first page text" || pages[2].Text != "third page" {
		t.Errorf("page order not preserved: %q / %q", pages[0].Text, pages[2].Text)
	}
	failed := pages[1]
	if failed.Text != "" || failed.Confidence != 0 || failed.WordCount != 0 {
		t.Errorf("failed page not zeroed: %+v", failed)
	}
	if failed.Source.Name != "img-2.jpg" {
		t.Errorf("failed page lost its source ref: %q", failed.Source.Name)
	}
}

func TestExtractPagesTreatsNoTextAsFailedPage(t *testing.T) {
	rec := recognizerFunc(func(_ context.Context, img imagestore.StoredImage, _ string) (ocr.PageResult, error) {
		return ocr.PageResult{}, ocr.ErrNoTextDetected
	})

	pages := ExtractPages(context.Background(), rec, fakeImages(2), "eng")
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	for i, p := range pages {
		if p.Text != "" || p.WordCount != 0 {
			t.Errorf("page %d not zeroed: %+v", i+1, p)
		}
	}
}

func TestMergeSinglePageIsIdentity(t *testing.T) {
	page := pageFor("Hello world", 90, imagestore.StoredImage{Name: "a.jpg"})
	res := Merge([]ocr.PageResult{page})

	if res.CombinedText != "Hello world" {
		t.Errorf("CombinedText = %q, want identity text", res.CombinedText)
	}
	if strings.Contains(res.CombinedText, "Page ") {
		t.Error("single-page merge must not add page markers")
	}
	if res.PageCount != 1 || res.TotalWordCount != 2 || res.AverageConfidence != 90 {
		t.Errorf("unexpected totals: %+v", res)
	}
}

func TestMergeMultiPageOrderingAndMarkers(t *testing.T) {
	pages := []ocr.PageResult{
		pageFor("alpha beta", 90, imagestore.StoredImage{}),
		{}, // failed page two
		pageFor("gamma", 90, imagestore.StoredImage{}),
	}
	res := Merge(pages)

	if res.PageCount != 3 {
		t.Errorf("PageCount = %d, want 3", res.PageCount)
	}
	if res.FailedPages != 1 {
		t.Errorf("FailedPages = %d, want 1", res.FailedPages)
	}

	i1 := strings.Index(res.CombinedText, "Page 1")
	i2 := strings.Index(res.CombinedText, "Page 2")
	i3 := strings.Index(res.CombinedText, "Page 3")
	if i1 < 0 || i2 < 0 || i3 < 0 {
		t.Fatalf("missing page markers in %q", res.CombinedText)
	}
	if !(i1 < i2 && i2 < i3) {
		t.Errorf("page markers out of order in %q", res.CombinedText)
	}

	// Page 2's section is empty: nothing between "Page 2" header and "Page 3".
	between := res.CombinedText[i2+len("Page 2") : i3]
	if strings.TrimSpace(between) != "" {
		t.Errorf("failed page section not empty: %q", between)
	}
	if !strings.Contains(res.CombinedText, "alpha beta") || !strings.Contains(res.CombinedText, "gamma") {
		t.Errorf("page text missing from %q", res.CombinedText)
	}
}

func TestMergeTotalsMatchConstituents(t *testing.T) {
	cases := [][]ocr.PageResult{
		{},
		{pageFor("one two three", 90, imagestore.StoredImage{})},
		{pageFor("a b", 90, imagestore.StoredImage{}), {}, pageFor("c d e", 80, imagestore.StoredImage{})},
		{{}, {}, {}},
	}
	for i, pages := range cases {
		res := Merge(pages)
		sum := 0
		for _, p := range pages {
			sum += p.WordCount
		}
		if res.TotalWordCount != sum {
			t.Errorf("case %d: TotalWordCount = %d, want %d", i, res.TotalWordCount, sum)
		}
		if res.PageCount != len(pages) {
			t.Errorf("case %d: PageCount = %d, want %d", i, res.PageCount, len(pages))
		}
	}
}

func TestMergeAverageConfidenceRounds(t *testing.T) {
	pages := []ocr.PageResult{
		pageFor("x", 90, imagestore.StoredImage{}),
		pageFor("y", 90, imagestore.StoredImage{}),
		{}, // zero-scored failure included in the mean
	}
	res := Merge(pages)
	if res.AverageConfidence != 60 {
		t.Errorf("AverageConfidence = %d, want 60", res.AverageConfidence)
	}

	res = Merge([]ocr.PageResult{
		pageFor("x", 90, imagestore.StoredImage{}),
		{},
	})
	if res.AverageConfidence != 45 {
		t.Errorf("AverageConfidence = %d, want 45", res.AverageConfidence)
	}
}

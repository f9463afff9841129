// Package pipeline drives one ingestion request end to end: persist the
// uploaded images, create the processing record, recognize page by page,
// merge, assemble the PDF artifact and settle the record in a terminal
// state. Every temporary image created along the way is deleted before Run
// returns, on every exit path.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/textlens/scan-processing-service/internal/aggregate"
	"github.com/textlens/scan-processing-service/internal/assemble"
	"github.com/textlens/scan-processing-service/internal/imagestore"
	"github.com/textlens/scan-processing-service/internal/ocr"
	"github.com/textlens/scan-processing-service/internal/record"
)

const noTextMessage = "No text could be detected in the image. Please try with a clearer image."

// Normalizer derives a recognition-ready copy of a stored image.
type Normalizer interface {
	Normalize(src imagestore.StoredImage) (imagestore.StoredImage, error)
}

// Assembler produces the output artifact from extracted text.
type Assembler interface {
	Single(text, title string, source imagestore.StoredImage) (assemble.Artifact, error)
	Multi(text, title string, pageCount int) (assemble.Artifact, error)
	Remove(art assemble.Artifact) error
}

// Upload is one decoded raw image from the invoking boundary.
type Upload struct {
	Data []byte
	Ext  string
}

// Request is one ingestion request. Uploads keeps submission order; with more
// than one upload the run takes the batch-tolerant multi-page path.
type Request struct {
	Uploads  []Upload
	Title    string
	Language string
	UserID   string
}

// Result is the success payload of a run.
type Result struct {
	Document         *record.Document
	ArtifactName     string
	ProcessingTimeMs int64
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	Images    *imagestore.Store
	Normalize Normalizer
	Recognize aggregate.Recognizer
	Assemble  Assembler
	Records   *record.Manager
	Logger    *slog.Logger
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Run processes one request. On failure it returns a categorized *Error and
// the record, if one was created, is left in the failed state.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Uploads) == 0 {
		return nil, &Error{Category: CategoryIOFailure, Message: "no image provided"}
	}
	start := time.Now()

	scope := o.Images.NewScope()
	defer func() {
		if err := scope.Close(); err != nil {
			o.log().Error("temporary image cleanup failed", "error", err)
		}
	}()

	// Persist originals in submission order.
	originals := make([]imagestore.StoredImage, 0, len(req.Uploads))
	var imageBytes int64
	for _, up := range req.Uploads {
		img, err := o.Images.Save(up.Data, up.Ext)
		if err != nil {
			return nil, &Error{Category: CategoryIOFailure, Message: "failed to store uploaded image", Err: err}
		}
		scope.Add(img)
		originals = append(originals, img)
		imageBytes += img.Size
	}

	// The processing record must be durable before recognition starts.
	doc, err := o.Records.Begin(ctx, req.Title, req.UserID, req.Language, originals[0].Name)
	if err != nil {
		return nil, &Error{Category: CategoryIOFailure, Message: "failed to create document record", Err: err}
	}
	log := o.log().With("documentId", doc.ID, "pages", len(originals))
	log.Info("scan processing started", "title", req.Title, "language", req.Language)

	fail := func(cause error) {
		// Terminal-state persistence still runs when the request context
		// was canceled mid-flight.
		if ferr := o.Records.Fail(context.WithoutCancel(ctx), doc); ferr != nil {
			log.Error("failed to mark record failed", "error", ferr, "cause", cause)
		}
	}

	// Derive bounded, re-encoded copies for recognition.
	derived := make([]imagestore.StoredImage, 0, len(originals))
	for _, img := range originals {
		d, err := o.Normalize.Normalize(img)
		if err != nil {
			fail(err)
			return nil, &Error{Category: CategoryPreprocessFailed, Message: "failed to prepare image for recognition", Err: err}
		}
		scope.Add(d)
		derived = append(derived, d)
	}

	var pages []ocr.PageResult
	if len(derived) == 1 {
		// Single-image path: recognition failure aborts the run.
		page, err := o.Recognize.Extract(ctx, derived[0], req.Language)
		if err != nil {
			fail(err)
			if errors.Is(err, ocr.ErrNoTextDetected) {
				return nil, &Error{Category: CategoryNoTextDetected, Message: noTextMessage, Err: err}
			}
			return nil, &Error{Category: CategoryRecognitionFailed, Message: "text recognition failed", Err: err}
		}
		pages = []ocr.PageResult{page}
	} else {
		// Multi-image path: per-page failures are absorbed.
		pages = aggregate.ExtractPages(ctx, o.Recognize, derived, req.Language)
	}

	agg := aggregate.Merge(pages)
	if agg.TotalWordCount == 0 {
		// Every attempted page came back empty.
		fail(ocr.ErrNoTextDetected)
		return nil, &Error{Category: CategoryNoTextDetected, Message: noTextMessage, Err: ocr.ErrNoTextDetected}
	}

	var artifact assemble.Artifact
	if len(originals) == 1 {
		artifact, err = o.Assemble.Single(agg.CombinedText, req.Title, originals[0])
	} else {
		artifact, err = o.Assemble.Multi(agg.CombinedText, req.Title, agg.PageCount)
	}
	if err != nil {
		fail(err)
		return nil, &Error{Category: CategoryAssemblyFailed, Message: "failed to generate document", Err: err}
	}

	elapsed := time.Since(start).Milliseconds()
	err = o.Records.Complete(context.WithoutCancel(ctx), doc, record.Completion{
		ExtractedText:    agg.CombinedText,
		Confidence:       agg.AverageConfidence,
		WordCount:        agg.TotalWordCount,
		PageCount:        agg.PageCount,
		ArtifactName:     artifact.Name,
		ImageSizeBytes:   imageBytes,
		ProcessingTimeMs: elapsed,
	})
	if err != nil {
		// A completed record must never reference an artifact it does not
		// own; drop the orphan before marking the record failed.
		if rerr := o.Assemble.Remove(artifact); rerr != nil {
			log.Error("failed to remove orphaned artifact", "artifact", artifact.Name, "error", rerr)
		}
		fail(err)
		return nil, &Error{Category: CategoryIOFailure, Message: "failed to persist document record", Err: err}
	}

	log.Info("scan processing completed",
		"words", agg.TotalWordCount, "failedPages", agg.FailedPages, "elapsedMs", elapsed)

	return &Result{
		Document:         doc,
		ArtifactName:     artifact.Name,
		ProcessingTimeMs: elapsed,
	}, nil
}

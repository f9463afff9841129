// Package ocr is the client for the external text-recognition capability.
// The provider is treated as an opaque, fallible HTTP API: an explicit error
// signal becomes a RecognitionError, a successful call that yields no usable
// text becomes ErrNoTextDetected so callers can tell "retake the photo" apart
// from a transport failure.
package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/textlens/scan-processing-service/internal/imagestore"
)

// ErrNoTextDetected marks a semantic failure: the capability answered
// successfully but returned empty or whitespace-only text.
var ErrNoTextDetected = errors.New("no text detected in image")

// RecognitionError is a transport or protocol failure from the capability.
type RecognitionError struct {
	StatusCode int    // HTTP status, 0 for network-level failures
	Reason     string // provider message or transport error
}

func (e *RecognitionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("recognition failed (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return "recognition failed: " + e.Reason
}

// PageResult is one image's extraction outcome. Immutable once produced.
type PageResult struct {
	Text             string
	Confidence       int // 0-100
	WordCount        int
	ProcessingTimeMs int64
	Source           imagestore.StoredImage
}

// Client calls the recognition API. The provider does not report a usable
// per-call confidence, so every successful page is stamped with the fixed
// NominalConfidence and failed pages score zero; confidence values are
// therefore comparable across requests under a single policy.
type Client struct {
	Endpoint          string
	APIKey            string
	Engine            string
	NominalConfidence int
	HTTPClient        *http.Client
}

// NewClient returns a client with a bounded request timeout. Calls never wait
// longer than timeout even when the caller's context has no deadline.
func NewClient(endpoint, apiKey, engine string, nominalConfidence int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Endpoint:          endpoint,
		APIKey:            apiKey,
		Engine:            engine,
		NominalConfidence: nominalConfidence,
		HTTPClient:        &http.Client{Timeout: timeout},
	}
}

// parseResponse mirrors the provider's wire format.
type parseResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool     `json:"IsErroredOnProcessing"`
	ErrorMessage          []string `json:"ErrorMessage"`
}

// Extract sends one stored image to the capability with a language hint and
// returns its PageResult. Elapsed time is measured here on the caller side,
// not trusted from the provider.
func (c *Client) Extract(ctx context.Context, img imagestore.StoredImage, language string) (PageResult, error) {
	start := time.Now()

	data, err := os.ReadFile(img.Path)
	if err != nil {
		return PageResult{}, &RecognitionError{Reason: fmt.Sprintf("read image %s: %v", img.Name, err)}
	}

	form := url.Values{}
	form.Set("base64Image", "data:image/jpg;base64,"+base64.StdEncoding.EncodeToString(data))
	form.Set("language", language)
	form.Set("OCREngine", c.Engine)
	form.Set("detectOrientation", "true")
	form.Set("scale", "true")
	form.Set("isOverlayRequired", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PageResult{}, &RecognitionError{Reason: err.Error()}
	}
	req.Header.Set("apikey", c.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return PageResult{}, &RecognitionError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return PageResult{}, &RecognitionError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(slurp))}
	}

	var parsed parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return PageResult{}, &RecognitionError{StatusCode: resp.StatusCode, Reason: "decode response: " + err.Error()}
	}

	if parsed.IsErroredOnProcessing {
		reason := "provider reported a processing error"
		if len(parsed.ErrorMessage) > 0 && parsed.ErrorMessage[0] != "" {
			reason = parsed.ErrorMessage[0]
		}
		return PageResult{}, &RecognitionError{StatusCode: resp.StatusCode, Reason: reason}
	}

	var raw string
	if len(parsed.ParsedResults) > 0 {
		raw = parsed.ParsedResults[0].ParsedText
	}
	text := CleanText(raw)
	if text == "" {
		return PageResult{}, ErrNoTextDetected
	}

	return PageResult{
		Text:             text,
		Confidence:       c.NominalConfidence,
		WordCount:        CountWords(text),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Source:           img,
	}, nil
}

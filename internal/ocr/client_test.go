package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/textlens/scan-processing-service/internal/imagestore"
)

func saveFixture(t *testing.T) (imagestore.StoredImage, *imagestore.Store) {
	t.Helper()
	store, err := imagestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	img, err := store.Save([]byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3}, ".jpg")
	if err != nil {
		t.Fatalf("save fixture: %v", err)
	}
	return img, store
}

func newTestClient(endpoint string) *Client {
	return NewClient(endpoint, "test-key", "2", 90, 5*time.Second)
}

func TestExtractSuccess(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"language":          r.PostFormValue("language"),
			"OCREngine":         r.PostFormValue("OCREngine"),
			"detectOrientation": r.PostFormValue("detectOrientation"),
			"scale":             r.PostFormValue("scale"),
		}
		if r.Header.Get("apikey") != "test-key" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ParsedResults":[{"ParsedText":"Hello world\r\n"}],"IsErroredOnProcessing":false}`))
	}))
	defer srv.Close()

	img, _ := saveFixture(t)
	page, err := newTestClient(srv.URL).Extract(context.Background(), img, "eng")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if page.Text != "Hello world" {
		t.Errorf("Text = %q, want %q", page.Text, "Hello world")
	}
	if page.WordCount != 2 {
		t.Errorf("WordCount = %d, want 2", page.WordCount)
	}
	if page.Confidence != 90 {
		t.Errorf("Confidence = %d, want nominal 90", page.Confidence)
	}
	if page.ProcessingTimeMs < 0 {
		t.Errorf("ProcessingTimeMs = %d, want >= 0", page.ProcessingTimeMs)
	}
	if page.Source.Name != img.Name {
		t.Errorf("Source = %q, want %q", page.Source.Name, img.Name)
	}

	if gotForm["language"] != "eng" || gotForm["OCREngine"] != "2" {
		t.Errorf("request form = %v", gotForm)
	}
	if gotForm["detectOrientation"] != "true" || gotForm["scale"] != "true" {
		t.Errorf("normalization flags not requested: %v", gotForm)
	}
}

func TestExtractEmptyTextIsSemanticFailure(t *testing.T) {
	for _, parsedText := range []string{"", "   \r\n\t  "} {
		body, err := json.Marshal(map[string]any{
			"ParsedResults":         []map[string]string{{"ParsedText": parsedText}},
			"IsErroredOnProcessing": false,
		})
		if err != nil {
			t.Fatal(err)
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		}))

		img, _ := saveFixture(t)
		_, err = newTestClient(srv.URL).Extract(context.Background(), img, "eng")
		srv.Close()

		if !errors.Is(err, ErrNoTextDetected) {
			t.Errorf("ParsedText=%q: got %v, want ErrNoTextDetected", parsedText, err)
		}
		var rerr *RecognitionError
		if errors.As(err, &rerr) {
			t.Errorf("ParsedText=%q: semantic failure must not be a RecognitionError", parsedText)
		}
	}
}

func TestExtractProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"IsErroredOnProcessing":true,"ErrorMessage":["Unable to parse image"]}`))
	}))
	defer srv.Close()

	img, _ := saveFixture(t)
	_, err := newTestClient(srv.URL).Extract(context.Background(), img, "eng")

	var rerr *RecognitionError
	if !errors.As(err, &rerr) {
		t.Fatalf("got %v, want *RecognitionError", err)
	}
	if rerr.Reason != "Unable to parse image" {
		t.Errorf("Reason = %q", rerr.Reason)
	}
}

func TestExtractHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	img, _ := saveFixture(t)
	_, err := newTestClient(srv.URL).Extract(context.Background(), img, "eng")

	var rerr *RecognitionError
	if !errors.As(err, &rerr) {
		t.Fatalf("got %v, want *RecognitionError", err)
	}
	if rerr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", rerr.StatusCode)
	}
}

func TestExtractTimeoutIsRecognitionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	img, _ := saveFixture(t)
	c := NewClient(srv.URL, "k", "2", 90, 20*time.Millisecond)
	_, err := c.Extract(context.Background(), img, "eng")

	var rerr *RecognitionError
	if !errors.As(err, &rerr) {
		t.Fatalf("timeout should surface as *RecognitionError, got %v", err)
	}
}

func TestExtractMissingImageFile(t *testing.T) {
	img, store := saveFixture(t)
	if err := store.Delete(img); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := newTestClient("http://unused.invalid").Extract(context.Background(), img, "eng")
	var rerr *RecognitionError
	if !errors.As(err, &rerr) {
		t.Fatalf("got %v, want *RecognitionError", err)
	}
}

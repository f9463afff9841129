package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/textlens/scan-processing-service/internal/assemble"
	"github.com/textlens/scan-processing-service/internal/config"
	"github.com/textlens/scan-processing-service/internal/imagestore"
	"github.com/textlens/scan-processing-service/internal/ocr"
	"github.com/textlens/scan-processing-service/internal/pipeline"
	"github.com/textlens/scan-processing-service/internal/preprocess"
	"github.com/textlens/scan-processing-service/internal/record"
	"github.com/textlens/scan-processing-service/internal/types"
)

var (
	cfg config.Config

	requestSem *semaphore.Weighted
	ocrSem     *semaphore.Weighted

	// Per-IP rate limiters
	limiters = &sync.Map{}

	metrics = &serverMetrics{}
)

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

// app bundles the pipeline and read-side dependencies for the handlers.
type app struct {
	orchestrator *pipeline.Orchestrator
	records      *record.Manager
	assembler    *assemble.Assembler
}

func main() {
	cfg = config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	ocrSem = semaphore.NewWeighted(cfg.MaxOCRConcurrent)

	ctx := context.Background()

	images, err := imagestore.New(cfg.UploadDir)
	if err != nil {
		panic(err)
	}
	assembler, err := assemble.New(cfg.PDFDir)
	if err != nil {
		panic(err)
	}

	var store record.Store
	if cfg.FirestoreProject != "" {
		fs, err := record.NewFirestoreStore(ctx, cfg.FirestoreProject, cfg.FirestoreCollection)
		if err != nil {
			panic(err)
		}
		defer fs.Close()
		store = fs
	} else {
		fmt.Fprintln(os.Stderr, "warning: FIRESTORE_PROJECT not set, using in-memory document store")
		store = record.NewMemoryStore()
	}
	records := record.NewManager(store)

	srv := &app{
		orchestrator: &pipeline.Orchestrator{
			Images: images,
			Normalize: &preprocess.Normalizer{
				Store:        images,
				MaxDimension: cfg.MaxImageDimension,
				JPEGQuality:  cfg.JPEGQuality,
			},
			Recognize: ocr.NewClient(cfg.OCREndpoint, cfg.OCRAPIKey, cfg.OCREngine, cfg.NominalConfidence, cfg.OCRTimeout),
			Assemble:  assembler,
			Records:   records,
			Logger:    slog.Default(),
		},
		records:   records,
		assembler: assembler,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /metrics", handleMetrics)

	mux.HandleFunc("POST /api/ocr/process",
		withRateLimit(withConcurrencyLimit(srv.handleProcess)))
	mux.HandleFunc("POST /api/ocr/process-base64",
		withRateLimit(withConcurrencyLimit(srv.handleProcessBase64)))
	mux.HandleFunc("POST /api/ocr/process-batch",
		withRateLimit(withConcurrencyLimit(srv.handleProcessBatch)))

	mux.HandleFunc("GET /api/documents", withRateLimit(srv.handleListDocuments))
	mux.HandleFunc("GET /api/documents/{id}", withRateLimit(srv.handleGetDocument))
	mux.HandleFunc("PUT /api/documents/{id}", withRateLimit(srv.handleUpdateDocument))
	mux.HandleFunc("DELETE /api/documents/{id}", withRateLimit(srv.handleDeleteDocument))

	// Generated artifacts are exposed under /pdfs/; uploads are temporary
	// and never served.
	mux.Handle("GET /pdfs/", http.StripPrefix("/pdfs/", http.FileServer(http.Dir(cfg.PDFDir))))

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           withLogging(withRecovery(mux)),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	if strings.TrimSpace(cfg.OCRAPIKey) == "" {
		fmt.Fprintln(os.Stderr, "warning: OCR_API_KEY not set (recognition will fail)")
	}

	go cleanupRateLimiters()

	fmt.Printf("scanproc listening on %s (max concurrent: %d, OCR: %d)\n",
		server.Addr, cfg.MaxConcurrentRequests, cfg.MaxOCRConcurrent)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func cleanupRateLimiters() {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := metrics.get()
		fmt.Printf("[stats] active=%d total=%d goroutines=%d mem=%dMB\n",
			active, total, runtime.NumGoroutine(), m.Alloc/(1<<20))

		// simple clear (if you want smarter: store last-seen timestamps)
		limiters.Range(func(key, _ any) bool {
			limiters.Delete(key)
			return true
		})
	}
}

// ---------- Handlers ----------

func handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"version": "1.0.0",
	})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

func (a *app) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(cfg.MaxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "could not parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "no image file provided")
		return
	}
	defer file.Close()

	upload, err := readUpload(file, header)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	a.runPipeline(w, r, pipeline.Request{
		Uploads:  []pipeline.Upload{upload},
		Title:    titleOrDefault(r.FormValue("title")),
		Language: languageOrDefault(r.FormValue("language")),
		UserID:   r.FormValue("userId"),
	})
}

func (a *app) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes*int64(cfg.MaxBatchPages)+(1<<20))
	if err := r.ParseMultipartForm(cfg.MaxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "could not parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeErr(w, http.StatusBadRequest, "bad_request", "no image files provided")
		return
	}
	if len(files) > cfg.MaxBatchPages {
		writeErr(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("too many pages: max %d per batch", cfg.MaxBatchPages))
		return
	}

	// Submission order of the form parts is the page order.
	uploads := make([]pipeline.Upload, 0, len(files))
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad_request", "could not read uploaded image")
			return
		}
		upload, err := readUpload(f, header)
		f.Close()
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
			return
		}
		uploads = append(uploads, upload)
	}

	a.runPipeline(w, r, pipeline.Request{
		Uploads:  uploads,
		Title:    titleOrDefault(r.FormValue("title")),
		Language: languageOrDefault(r.FormValue("language")),
		UserID:   r.FormValue("userId"),
	})
}

func (a *app) handleProcessBase64(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[types.ProcessBase64Request](r, cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}
	if strings.TrimSpace(req.ImageBase64) == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "no image data provided")
		return
	}

	data, err := imagestore.DecodeBase64(req.ImageBase64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "could not decode base64 image")
		return
	}
	if int64(len(data)) > cfg.MaxUploadBytes {
		writeErr(w, http.StatusBadRequest, "bad_request", "image exceeds upload size limit")
		return
	}

	a.runPipeline(w, r, pipeline.Request{
		Uploads:  []pipeline.Upload{{Data: data, Ext: ".jpg"}},
		Title:    titleOrDefault(req.Title),
		Language: languageOrDefault(req.Language),
		UserID:   req.UserID,
	})
}

// runPipeline gates OCR capacity, executes one run and writes the outcome.
func (a *app) runPipeline(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cfg.ProcessTimeout)
	defer cancel()

	if err := ocrSem.Acquire(ctx, 1); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "ocr_capacity", "OCR at capacity")
		return
	}
	defer ocrSem.Release(1)

	res, err := a.orchestrator.Run(ctx, req)
	if err != nil {
		writePipelineErr(w, err)
		return
	}

	doc := res.Document
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Image processed successfully",
		"data": types.DocumentResult{
			DocumentID:       doc.ID,
			Title:            doc.Title,
			ExtractedText:    doc.ExtractedText,
			WordCount:        doc.WordCount,
			Confidence:       doc.Confidence,
			PageCount:        doc.PageCount,
			ProcessingTimeMs: res.ProcessingTimeMs,
			PDFURL:           pdfURL(r, res.ArtifactName),
			Language:         doc.Language,
			CreatedAt:        doc.CreatedAt,
		},
	})
}

func (a *app) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", cfg.DefaultPageSize)
	if limit > cfg.MaxPageSize {
		limit = cfg.MaxPageSize
	}

	docs, err := a.records.Store().List(r.Context(), record.ListQuery{
		UserID: r.URL.Query().Get("userId"),
		Status: record.StatusCompleted,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", "could not list documents")
		return
	}

	summaries := make([]types.DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, types.DocumentSummary{
			ID:         doc.ID,
			Title:      doc.Title,
			WordCount:  doc.WordCount,
			Confidence: doc.Confidence,
			PageCount:  doc.PageCount,
			Language:   doc.Language,
			PDFURL:     pdfURL(r, doc.ArtifactName),
			CreatedAt:  doc.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, types.ListDocumentsResponse{
		Success: true,
		Page:    page,
		Count:   len(summaries),
		Data:    summaries,
	})
}

func (a *app) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.records.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", "could not load document")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": types.DocumentDetail{
			ID:               doc.ID,
			Title:            doc.Title,
			ExtractedText:    doc.ExtractedText,
			WordCount:        doc.WordCount,
			Confidence:       doc.Confidence,
			PageCount:        doc.PageCount,
			Language:         doc.Language,
			Status:           string(doc.Status),
			PDFURL:           pdfURL(r, doc.ArtifactName),
			ImageSizeBytes:   doc.Metadata.ImageSizeBytes,
			ProcessingTimeMs: doc.Metadata.ProcessingTimeMs,
			CreatedAt:        doc.CreatedAt,
		},
	})
}

func (a *app) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[types.UpdateDocumentRequest](r, cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	doc, err := a.records.Rename(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]string{"id": doc.ID, "title": doc.Title},
	})
}

func (a *app) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := a.records.Store().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "Document not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", "could not load document")
		return
	}

	if doc.ArtifactName != "" {
		art := assemble.Artifact{Name: doc.ArtifactName, Path: filepath.Join(a.assembler.Dir(), doc.ArtifactName)}
		if err := a.assembler.Remove(art); err != nil {
			slog.Error("failed to delete artifact file", "documentId", id, "error", err)
		}
	}

	if err := a.records.Store().Delete(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", "could not delete document")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Document deleted successfully",
	})
}

// ---------- Middleware ----------

func withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := requestSem.Acquire(r.Context(), 1); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "capacity", "Service at capacity")
			return
		}
		defer requestSem.Release(1)

		metrics.incActive()
		defer metrics.decActive()

		next(w, r)
	}
}

func withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		limiter := getRateLimiter(ip)

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate_limit", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				fmt.Fprintf(os.Stderr, "panic: %v\n", err)
				writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		fmt.Printf("%s %s -> %d (%s)\n",
			r.Method, sanitizeLogString(r.URL.Path), ww.status, time.Since(start))
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------- Helpers ----------

func getRateLimiter(ip string) *rate.Limiter {
	if v, ok := limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}

	every := cfg.RateLimitEvery
	if every <= 0 {
		every = 600 * time.Millisecond // ~100/min
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}

	limiter := rate.NewLimiter(rate.Every(every), burst)
	limiters.Store(ip, limiter)
	return limiter
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func readUpload(file multipart.File, header *multipart.FileHeader) (pipeline.Upload, error) {
	data, err := io.ReadAll(io.LimitReader(file, cfg.MaxUploadBytes+1))
	if err != nil {
		return pipeline.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > cfg.MaxUploadBytes {
		return pipeline.Upload{}, fmt.Errorf("image %q exceeds %dMB limit",
			header.Filename, cfg.MaxUploadBytes/(1<<20))
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	return pipeline.Upload{Data: data, Ext: ext}, nil
}

func titleOrDefault(title string) string {
	title = strings.TrimSpace(title)
	if title != "" {
		return title
	}
	return "Scan_" + time.Now().UTC().Format("2006-01-02")
}

func languageOrDefault(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang != "" {
		return lang
	}
	return cfg.DefaultLanguage
}

func pdfURL(r *http.Request, artifactName string) string {
	if artifactName == "" {
		return ""
	}
	base := cfg.PublicBase
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return strings.TrimSuffix(base, "/") + "/pdfs/" + artifactName
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writePipelineErr(w http.ResponseWriter, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		writeErr(w, http.StatusInternalServerError, "internal_error", "Failed to process image")
		return
	}

	status := http.StatusInternalServerError
	switch perr.Category {
	case pipeline.CategoryNoTextDetected:
		status = http.StatusUnprocessableEntity
	case pipeline.CategoryRecognitionFailed:
		status = http.StatusBadGateway
	}
	writeErr(w, status, string(perr.Category), perr.Message)
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = strings.ReplaceAll(msg, os.TempDir(), "[tmp]")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func sanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func parseJSON[T any](r *http.Request, limit int64) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&out); err != nil {
		return out, err
	}

	// Ensure there's nothing else after the first JSON value
	if err := dec.Decode(new(any)); err != io.EOF {
		if err == nil {
			return out, fmt.Errorf("unexpected trailing data")
		}
		return out, err
	}

	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

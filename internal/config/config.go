package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port string

	// Secrets
	OCRAPIKey string

	// Recognition capability
	OCREndpoint       string
	OCREngine         string
	OCRTimeout        time.Duration
	NominalConfidence int
	DefaultLanguage   string

	// Storage
	UploadDir  string
	PDFDir     string
	PublicBase string // optional; derived from the request when empty

	// Persistence (in-memory store when project is empty)
	FirestoreProject    string
	FirestoreCollection string

	// Preprocessing
	MaxImageDimension int
	JPEGQuality       int

	// Limits
	MaxUploadBytes   int64
	MaxJSONBodyBytes int64
	MaxBatchPages    int

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Request timeouts
	ProcessTimeout time.Duration

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64

	// http
	MaxHeaderBytes int

	// Listing defaults
	DefaultPageSize int
	MaxPageSize     int
}

func Load() Config {
	return Config{
		Port: envStr("PORT", "8080"),

		OCRAPIKey: envStr("OCR_API_KEY", ""),

		OCREndpoint:       envStr("OCR_ENDPOINT", "https://api.ocr.space/parse/image"),
		OCREngine:         envStr("OCR_ENGINE", "2"),
		OCRTimeout:        envDur("OCR_TIMEOUT", 45*time.Second),
		NominalConfidence: envInt("OCR_NOMINAL_CONFIDENCE", 90),
		DefaultLanguage:   envStr("DEFAULT_LANGUAGE", "eng"),

		UploadDir:  envStr("UPLOAD_DIR", "uploads"),
		PDFDir:     envStr("PDF_DIR", "pdfs"),
		PublicBase: envStr("PUBLIC_BASE_URL", ""),

		FirestoreProject:    envStr("FIRESTORE_PROJECT", ""),
		FirestoreCollection: envStr("FIRESTORE_COLLECTION", "documents"),

		MaxImageDimension: envInt("MAX_IMAGE_DIMENSION", 2048),
		JPEGQuality:       envInt("JPEG_QUALITY", 85),

		MaxUploadBytes:   int64(envInt("MAX_UPLOAD_BYTES", 20<<20)),
		MaxJSONBodyBytes: int64(envInt("MAX_JSON_BODY_BYTES", 50<<20)),
		MaxBatchPages:    envInt("MAX_BATCH_PAGES", 20),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 15)),
		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 3)),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 180*time.Second),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),

		ProcessTimeout: envDur("PROCESS_TIMEOUT", 150*time.Second),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt("MAX_HEADER_BYTES", 1<<20),

		DefaultPageSize: envInt("DEFAULT_PAGE_SIZE", 20),
		MaxPageSize:     envInt("MAX_PAGE_SIZE", 100),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.UploadDir) == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	if strings.TrimSpace(c.PDFDir) == "" {
		return fmt.Errorf("PDF_DIR must not be empty")
	}
	if c.NominalConfidence < 0 || c.NominalConfidence > 100 {
		return fmt.Errorf("OCR_NOMINAL_CONFIDENCE must be within 0-100")
	}
	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

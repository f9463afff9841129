package types

import "time"

// ProcessBase64Request is the JSON body of the base64 ingestion endpoint,
// used by the mobile client's camera flow.
type ProcessBase64Request struct {
	ImageBase64 string `json:"imageBase64"`
	Title       string `json:"title"`
	Language    string `json:"language"`
	UserID      string `json:"userId"`
}

// DocumentResult is the success payload of a processing run.
type DocumentResult struct {
	DocumentID       string    `json:"documentId"`
	Title            string    `json:"title"`
	ExtractedText    string    `json:"extractedText"`
	WordCount        int       `json:"wordCount"`
	Confidence       int       `json:"confidence"`
	PageCount        int       `json:"pageCount"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	PDFURL           string    `json:"pdfUrl"`
	Language         string    `json:"language"`
	CreatedAt        time.Time `json:"createdAt"`
}

// DocumentSummary is the list view of a record; extracted text is excluded
// to keep list responses small.
type DocumentSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	WordCount  int       `json:"wordCount"`
	Confidence int       `json:"confidence"`
	PageCount  int       `json:"pageCount"`
	Language   string    `json:"language"`
	PDFURL     string    `json:"pdfUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DocumentDetail is the single-record view including the full text.
type DocumentDetail struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	ExtractedText    string    `json:"extractedText"`
	WordCount        int       `json:"wordCount"`
	Confidence       int       `json:"confidence"`
	PageCount        int       `json:"pageCount"`
	Language         string    `json:"language"`
	Status           string    `json:"status"`
	PDFURL           string    `json:"pdfUrl"`
	ImageSizeBytes   int64     `json:"imageSizeBytes"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UpdateDocumentRequest is the rename body.
type UpdateDocumentRequest struct {
	Title string `json:"title"`
}

// ListDocumentsResponse wraps a page of summaries.
type ListDocumentsResponse struct {
	Success bool              `json:"success"`
	Page    int               `json:"page"`
	Count   int               `json:"count"`
	Data    []DocumentSummary `json:"data"`
}

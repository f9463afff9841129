package pipeline

import "fmt"

// Category is the stable, boundary-visible classification of a run failure.
// The invoking boundary branches on it to pick status codes and user-facing
// copy; internal detail stays in the wrapped error.
type Category string

const (
	CategoryIOFailure         Category = "io_failure"
	CategoryPreprocessFailed  Category = "preprocess_failed"
	CategoryRecognitionFailed Category = "recognition_failed"
	CategoryNoTextDetected    Category = "no_text_detected"
	CategoryAssemblyFailed    Category = "assembly_failed"
)

// Error is a categorized pipeline failure.
type Error struct {
	Category Category
	Message  string // user-facing
	Err      error  // internal cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

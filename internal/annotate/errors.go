// Package annotate implements the label-transfer annotation steps: dataset
// loading and preprocessing, backend selection with fallback, region
// filtering and gene-list handling.
package annotate

import "fmt"

// LoadError reports a dataset container that could not be opened or parsed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("error loading data file %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// PreprocessError reports a failed reference normalization/log-transform.
type PreprocessError struct {
	Path string
	Err  error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("error during reference preprocessing (%s): %v", e.Path, e.Err)
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// AnnotationError is the umbrella error for failures inside the pipeline:
// label transfer after exhausting the fallback, missing prerequisite
// clustering results, region-filter failures, invalid gene selections and
// plot rendering/saving failures.
type AnnotationError struct {
	Msg string
	Err error
}

func (e *AnnotationError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *AnnotationError) Unwrap() error { return e.Err }

func annErrf(cause error, format string, args ...interface{}) *AnnotationError {
	return &AnnotationError{Msg: fmt.Sprintf(format, args...), Err: cause}
}

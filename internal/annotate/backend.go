package annotate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

// Backend names the compute path used for label transfer.
type Backend string

const (
	BackendAccelerated Backend = "accelerated"
	BackendCPU         Backend = "cpu-only"
)

// ErrAcceleratedUnavailable is the recognized failure that triggers the
// one-shot fallback from the accelerated backend to the CPU backend.
var ErrAcceleratedUnavailable = errors.New("accelerated compute backend not available")

// ParseBackend parses a backend preference. "rapids" and "cpu" are
// accepted as the original CLI's vocabulary.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "accelerated", "rapids":
		return BackendAccelerated, nil
	case "cpu-only", "cpu":
		return BackendCPU, nil
	default:
		return "", fmt.Errorf("invalid backend %q (expected accelerated or cpu-only)", s)
	}
}

// Transfer is one backend's label-transfer capability. Run assigns a label
// from the reference to every cell of main and writes the "annotation"
// tool result in place.
type Transfer interface {
	Backend() Backend
	Run(ctx context.Context, main, ref *dataset.Dataset, labelColumn string) error
}

// Runner invokes label transfer against a preferred backend and retries
// exactly once on the CPU backend when the preferred attempt fails with
// the recognized unavailable signature. At most two attempts are made.
type Runner struct {
	transfers map[Backend]Transfer

	// Recoverable decides whether a failure from the accelerated backend
	// permits the CPU retry. The default matches ErrAcceleratedUnavailable
	// and its message substring; the exact upstream signature is
	// environment-specific, so it is a swappable predicate rather than a
	// hardcoded rule inside the retry logic.
	Recoverable func(error) bool
}

// NewRunner creates a runner over the given backend implementations.
func NewRunner(transfers ...Transfer) *Runner {
	m := make(map[Backend]Transfer, len(transfers))
	for _, t := range transfers {
		m[t.Backend()] = t
	}
	return &Runner{transfers: m, Recoverable: DefaultRecoverable}
}

// DefaultRecoverable recognizes the accelerated-unavailable failure.
func DefaultRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAcceleratedUnavailable) {
		return true
	}
	return strings.Contains(err.Error(), ErrAcceleratedUnavailable.Error())
}

// Run performs label transfer, returning the backend that actually
// completed. Callers must not assume the preference was honored.
func (r *Runner) Run(ctx context.Context, main, ref *dataset.Dataset, labelColumn string, preferred Backend) (Backend, error) {
	recoverable := r.Recoverable
	if recoverable == nil {
		recoverable = DefaultRecoverable
	}

	tried := []Backend{preferred}
	err := r.call(ctx, preferred, main, ref, labelColumn)
	if err == nil {
		return preferred, nil
	}

	if preferred == BackendAccelerated && recoverable(err) {
		log.Printf("[annotate] Accelerated backend not available; falling back to %q.", BackendCPU)
		tried = append(tried, BackendCPU)
		if retryErr := r.call(ctx, BackendCPU, main, ref, labelColumn); retryErr == nil {
			return BackendCPU, nil
		} else {
			return "", annErrf(retryErr, "label transfer failed on both backends (tried: %v; first failure: %v)", tried, err)
		}
	}

	return "", annErrf(err, "error during label transfer with backend %q", preferred)
}

func (r *Runner) call(ctx context.Context, backend Backend, main, ref *dataset.Dataset, labelColumn string) error {
	t, ok := r.transfers[backend]
	if !ok {
		return fmt.Errorf("no label-transfer implementation registered for backend %q", backend)
	}
	log.Printf("[annotate] Trying label transfer with backend=%q", backend)
	if err := t.Run(ctx, main, ref, labelColumn); err != nil {
		return err
	}
	log.Printf("[annotate] Label transfer finished with backend=%q", backend)
	return nil
}

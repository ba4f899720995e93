package annotate

import (
	"log"

	"github.com/eyelocater/eyelocater/internal/data/soma"
	"github.com/eyelocater/eyelocater/internal/data/stereo"
	"github.com/eyelocater/eyelocater/internal/dataset"
)

// Loader loads the main and reference datasets from persisted containers.
type Loader struct {
	reader *stereo.Reader

	// SuppressWarnings silences warning-level log lines.
	SuppressWarnings bool
}

// NewLoader creates a loader.
func NewLoader() (*Loader, error) {
	r, err := stereo.NewReader()
	if err != nil {
		return nil, err
	}
	return &Loader{reader: r}, nil
}

// Close releases the underlying container reader.
func (l *Loader) Close() {
	if l.reader != nil {
		l.reader.Close()
	}
}

// WithSuppressWarnings returns a loader view with the given warning
// policy. The underlying container reader is shared, so a view per run
// is cheap and concurrent runs never see each other's policy.
func (l *Loader) WithSuppressWarnings(suppress bool) *Loader {
	view := *l
	view.SuppressWarnings = suppress
	return &view
}

func (l *Loader) warnf(format string, args ...interface{}) {
	if l.SuppressWarnings {
		return
	}
	log.Printf("[annotate][WARN] "+format, args...)
}

// LoadMain loads the target dataset.
func (l *Loader) LoadMain(path string) (*dataset.Dataset, error) {
	log.Printf("[annotate] Loading main dataset from %s", path)
	ds, err := l.reader.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	log.Printf("[annotate] Main dataset: %d cells x %d genes", ds.NCells(), ds.NGenes())
	return ds, nil
}

// LoadReference loads the annotated reference dataset and ensures it is
// normalized and log-transformed. A reference that already carries the
// processed markers is left untouched; if the marker check itself fails
// the reference is treated as unprocessed and preprocessed anyway.
func (l *Loader) LoadReference(path, labelColumn string) (*dataset.Dataset, error) {
	log.Printf("[annotate] Loading reference dataset from %s", path)

	var ds *dataset.Dataset
	var err error
	if soma.IsExperimentPath(path) {
		var r *soma.Reader
		r, err = soma.NewReader(path)
		if err == nil {
			ds, err = r.LoadReference(labelColumn)
		}
	} else {
		ds, err = l.reader.Open(path)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	log.Printf("[annotate] Reference dataset: %d cells x %d genes", ds.NCells(), ds.NGenes())

	if err := l.PreprocessReference(ds, path); err != nil {
		return nil, err
	}
	return ds, nil
}

// PreprocessReference applies normalize+log1p unless the dataset's
// processed markers say it was already done.
func (l *Loader) PreprocessReference(ds *dataset.Dataset, path string) error {
	processed := true
	for _, flag := range []string{dataset.FlagNormalized, dataset.FlagLog1p} {
		ok, err := ds.Meta.Flag(flag)
		if err != nil {
			l.warnf("could not check %s marker on reference (%v); treating as unprocessed", flag, err)
			processed = false
			break
		}
		if !ok {
			processed = false
			break
		}
	}
	if processed {
		log.Printf("[annotate] Reference already normalized and log-transformed; skipping preprocessing")
		return nil
	}

	log.Printf("[annotate] Preprocessing reference: normalize_total + log1p")
	if err := ds.NormalizeTotal(0); err != nil {
		return &PreprocessError{Path: path, Err: err}
	}
	if err := ds.Log1p(); err != nil {
		return &PreprocessError{Path: path, Err: err}
	}
	return nil
}

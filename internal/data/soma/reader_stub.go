//go:build !soma

package soma

import (
	"fmt"
	"os"

	"github.com/cellmap-sc/server/internal/data/expr"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader creates a SOMA reader (stub). It still resolves and
// validates the experiment path, so config issues surface early, but
// all read methods return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Genes returns the experiment's gene names in soma_joinid order.
func (r *Reader) Genes() ([]string, error) {
	return nil, ErrUnsupported
}

// LoadDataset reads the full cells x genes expression matrix into a
// sparse dataset named name.
func (r *Reader) LoadDataset(name string) (*expr.Dataset, error) {
	return nil, ErrUnsupported
}

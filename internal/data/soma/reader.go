// Package soma ingests a TileDB-SOMA experiment as an expression
// dataset: gene names from ms/RNA/var, cell ids from obs, and the
// sparse ms/RNA/X/data matrix as CSR.
//
// Support is build-tag gated. Binaries built without "-tags soma" keep
// the same API surface but every read method returns ErrUnsupported.
package soma

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without SOMA/TileDB
// support.
var ErrUnsupported = errors.New("soma support is not enabled in this build (build server with: go build -tags soma)")

// ResolveExperimentURI accepts either a direct experiment.soma path or
// its parent directory and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

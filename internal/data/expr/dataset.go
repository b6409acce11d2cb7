package expr

import "fmt"

// Coord is a 2-D spatial position for one observation.
type Coord struct {
	X, Y float32
}

// Dataset is one loaded dataset: observations (cells or spots) by
// variables (genes), with optional spatial coordinates and cluster
// labels per observation.
type Dataset struct {
	Name     string
	ObsIDs   []string
	VarIDs   []string
	X        Matrix
	Spatial  []Coord  // optional; len == len(ObsIDs) when present
	Clusters []string // optional; len == len(ObsIDs) when present
}

// NObs returns the number of observations.
func (d *Dataset) NObs() int { return len(d.ObsIDs) }

// NVar returns the number of variables.
func (d *Dataset) NVar() int { return len(d.VarIDs) }

// Validate checks that the payload shape and the optional annotations
// agree with the obs/var axes.
func (d *Dataset) Validate() error {
	if d.X == nil {
		return fmt.Errorf("dataset %s: missing expression matrix", d.Name)
	}
	rows, cols := d.X.Dims()
	if rows != len(d.ObsIDs) {
		return fmt.Errorf("dataset %s: matrix has %d rows, obs axis has %d", d.Name, rows, len(d.ObsIDs))
	}
	if cols != len(d.VarIDs) {
		return fmt.Errorf("dataset %s: matrix has %d cols, var axis has %d", d.Name, cols, len(d.VarIDs))
	}
	if d.Spatial != nil && len(d.Spatial) != len(d.ObsIDs) {
		return fmt.Errorf("dataset %s: %d spatial coords for %d obs", d.Name, len(d.Spatial), len(d.ObsIDs))
	}
	if d.Clusters != nil && len(d.Clusters) != len(d.ObsIDs) {
		return fmt.Errorf("dataset %s: %d cluster labels for %d obs", d.Name, len(d.Clusters), len(d.ObsIDs))
	}
	return nil
}

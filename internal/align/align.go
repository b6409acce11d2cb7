// Package align prepares a cell and a spatial dataset for mapping by
// restricting both to a shared training-gene set in a fixed order.
package align

import (
	"fmt"
	"log"
	"strings"

	"github.com/cellmap-sc/server/internal/data/expr"
)

// GeneAlignmentError reports a failure to build the shared training
// gene set. Gene is empty when the intersection itself is empty.
type GeneAlignmentError struct {
	Gene    string
	Dataset string
}

func (e *GeneAlignmentError) Error() string {
	if e.Gene == "" {
		return "gene alignment: no shared genes between datasets"
	}
	return fmt.Sprintf("gene alignment: gene %q not present in dataset %q", e.Gene, e.Dataset)
}

// Pair is an aligned (cells, spots) pair restricted to a common
// training-gene set. S and G share the gene axis and its order.
type Pair struct {
	Genes      []string // lower-cased, ordered
	CellIDs    []string
	SpotIDs    []string
	S          *expr.Dense // n_cells x n_genes
	G          *expr.Dense // n_spots x n_genes
	SpotCoords []expr.Coord
}

// SharedGenes returns the case-insensitive intersection of two gene
// lists, ordered by first appearance in a. Duplicate IDs within one
// list collapse to their first occurrence.
func SharedGenes(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, g := range b {
		inB[strings.ToLower(g)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(a))
	var shared []string
	for _, g := range a {
		lg := strings.ToLower(g)
		if _, dup := seen[lg]; dup {
			continue
		}
		seen[lg] = struct{}{}
		if _, ok := inB[lg]; ok {
			shared = append(shared, lg)
		}
	}
	return shared
}

// Align restricts both datasets to the given training genes (nil means
// the shared set), densifies the payloads, and reorders each side's
// columns to the common order. The inputs are never mutated.
func Align(sc, sp *expr.Dataset, genes []string) (*Pair, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}
	if err := sp.Validate(); err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}

	scIdx := geneIndex(sc.VarIDs)
	spIdx := geneIndex(sp.VarIDs)

	if genes == nil {
		genes = SharedGenes(sc.VarIDs, sp.VarIDs)
		if len(genes) == 0 {
			return nil, &GeneAlignmentError{}
		}
	} else {
		genes = dedupeLower(genes)
		if len(genes) == 0 {
			return nil, &GeneAlignmentError{}
		}
		for _, g := range genes {
			if _, ok := scIdx[g]; !ok {
				return nil, &GeneAlignmentError{Gene: g, Dataset: sc.Name}
			}
			if _, ok := spIdx[g]; !ok {
				return nil, &GeneAlignmentError{Gene: g, Dataset: sp.Name}
			}
		}
	}
	log.Printf("[Align] %d training genes shared by datasets", len(genes))

	s, err := selectColumns(sc, scIdx, genes)
	if err != nil {
		return nil, err
	}
	g, err := selectColumns(sp, spIdx, genes)
	if err != nil {
		return nil, err
	}

	p := &Pair{
		Genes:   genes,
		CellIDs: sc.ObsIDs,
		SpotIDs: sp.ObsIDs,
		S:       s,
		G:       g,
	}
	if sp.Spatial != nil {
		p.SpotCoords = append([]expr.Coord(nil), sp.Spatial...)
	}
	return p, nil
}

// geneIndex maps lower-cased gene IDs to their first column index.
func geneIndex(vars []string) map[string]int {
	idx := make(map[string]int, len(vars))
	for i, g := range vars {
		lg := strings.ToLower(g)
		if _, ok := idx[lg]; !ok {
			idx[lg] = i
		}
	}
	return idx
}

func dedupeLower(genes []string) []string {
	seen := make(map[string]struct{}, len(genes))
	out := make([]string, 0, len(genes))
	for _, g := range genes {
		lg := strings.ToLower(g)
		if _, dup := seen[lg]; dup {
			continue
		}
		seen[lg] = struct{}{}
		out = append(out, lg)
	}
	return out
}

// selectColumns densifies the dataset payload and copies the requested
// gene columns, in order, into a fresh matrix.
func selectColumns(ds *expr.Dataset, idx map[string]int, genes []string) (*expr.Dense, error) {
	full, err := expr.ToDense(ds.X)
	if err != nil {
		return nil, fmt.Errorf("align: densify dataset %q: %w", ds.Name, err)
	}
	cols := make([]int, len(genes))
	for j, g := range genes {
		cols[j] = idx[g]
	}
	out := expr.NewDense(full.Rows, len(genes))
	for i := 0; i < full.Rows; i++ {
		src := full.Row(i)
		dst := out.Row(i)
		for j, c := range cols {
			dst[j] = src[c]
		}
	}
	return out, nil
}

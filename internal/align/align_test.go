package align

import (
	"errors"
	"testing"

	"github.com/cellmap-sc/server/internal/data/expr"
)

func TestSharedGenes(t *testing.T) {
	a := []string{"Actb", "GAPDH", "actb", "Sox2", "Olig1"}
	b := []string{"OLIG1", "gapdh", "Pecam1", "ACTB"}

	got := SharedGenes(a, b)
	want := []string{"actb", "gapdh", "olig1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSharedGenesEmpty(t *testing.T) {
	if got := SharedGenes([]string{"a", "b"}, []string{"c"}); len(got) != 0 {
		t.Fatalf("expected empty intersection, got %v", got)
	}
}

func cellsDataset() *expr.Dataset {
	// 2 cells x 3 genes: actb, sox2, gapdh.
	return &expr.Dataset{
		Name:   "cells",
		ObsIDs: []string{"c1", "c2"},
		VarIDs: []string{"Actb", "Sox2", "Gapdh"},
		X: &expr.Dense{Rows: 2, Cols: 3, Data: []float32{
			1, 2, 3,
			4, 5, 6,
		}},
	}
}

func spotsDataset() *expr.Dataset {
	// 2 spots x 3 genes in a different order: gapdh, pecam1, actb.
	return &expr.Dataset{
		Name:   "spots",
		ObsIDs: []string{"s1", "s2"},
		VarIDs: []string{"GAPDH", "Pecam1", "ACTB"},
		X: &expr.Dense{Rows: 2, Cols: 3, Data: []float32{
			10, 11, 12,
			13, 14, 15,
		}},
		Spatial: []expr.Coord{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}
}

func TestAlignSharedOrder(t *testing.T) {
	sc := cellsDataset()
	sp := spotsDataset()

	p, err := Align(sc, sp, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	// Shared genes in the cell dataset's order.
	wantGenes := []string{"actb", "gapdh"}
	if len(p.Genes) != 2 || p.Genes[0] != wantGenes[0] || p.Genes[1] != wantGenes[1] {
		t.Fatalf("genes %v, want %v", p.Genes, wantGenes)
	}

	// Cell side keeps cols 0 and 2 of the source.
	wantS := []float32{1, 3, 4, 6}
	for i, v := range wantS {
		if p.S.Data[i] != v {
			t.Fatalf("S = %v, want %v", p.S.Data, wantS)
		}
	}
	// Spot side reorders to (actb, gapdh) = source cols 2, 0.
	wantG := []float32{12, 10, 15, 13}
	for i, v := range wantG {
		if p.G.Data[i] != v {
			t.Fatalf("G = %v, want %v", p.G.Data, wantG)
		}
	}
	if len(p.SpotCoords) != 2 {
		t.Fatalf("expected spot coords to carry over, got %d", len(p.SpotCoords))
	}
}

func TestAlignExplicitGenes(t *testing.T) {
	p, err := Align(cellsDataset(), spotsDataset(), []string{"GAPDH", "actb", "gapdh"})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	// Requested order wins and duplicates collapse.
	if len(p.Genes) != 2 || p.Genes[0] != "gapdh" || p.Genes[1] != "actb" {
		t.Fatalf("genes %v, want [gapdh actb]", p.Genes)
	}
	if p.S.At(0, 0) != 3 || p.S.At(0, 1) != 1 {
		t.Fatalf("unexpected cell row: %v", p.S.Row(0))
	}
}

func TestAlignMissingGene(t *testing.T) {
	_, err := Align(cellsDataset(), spotsDataset(), []string{"actb", "pecam1"})
	if err == nil {
		t.Fatal("expected error for gene absent from the cell dataset")
	}
	var gae *GeneAlignmentError
	if !errors.As(err, &gae) {
		t.Fatalf("expected GeneAlignmentError, got %T", err)
	}
	if gae.Gene != "pecam1" || gae.Dataset != "cells" {
		t.Fatalf("unexpected error detail: %+v", gae)
	}
}

func TestAlignNoSharedGenes(t *testing.T) {
	sp := spotsDataset()
	sp.VarIDs = []string{"Foxp3", "Cd4", "Cd8a"}

	_, err := Align(cellsDataset(), sp, nil)
	var gae *GeneAlignmentError
	if !errors.As(err, &gae) {
		t.Fatalf("expected GeneAlignmentError, got %v", err)
	}
	if gae.Gene != "" {
		t.Fatalf("expected empty-intersection error, got %+v", gae)
	}
}

func TestAlignDoesNotMutateInputs(t *testing.T) {
	sc := cellsDataset()
	sp := spotsDataset()
	scBefore := append([]float32(nil), sc.X.(*expr.Dense).Data...)
	spBefore := append([]float32(nil), sp.X.(*expr.Dense).Data...)

	p, err := Align(sc, sp, nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	p.S.Set(0, 0, -99)
	p.G.Set(0, 0, -99)

	for i, v := range scBefore {
		if sc.X.(*expr.Dense).Data[i] != v {
			t.Fatal("cell dataset mutated by Align")
		}
	}
	for i, v := range spBefore {
		if sp.X.(*expr.Dense).Data[i] != v {
			t.Fatal("spatial dataset mutated by Align")
		}
	}
}

func TestAlignSparseInput(t *testing.T) {
	sc := cellsDataset()
	// Same cell matrix, CSR-encoded.
	sc.X = &expr.CSR{
		Rows:    2,
		Cols:    3,
		Data:    []float32{1, 2, 3, 4, 5, 6},
		Indices: []int32{0, 1, 2, 0, 1, 2},
		Indptr:  []int64{0, 3, 6},
	}

	p, err := Align(sc, spotsDataset(), nil)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if p.S.At(1, 1) != 6 {
		t.Fatalf("S(1,1) = %v, want 6", p.S.At(1, 1))
	}
}

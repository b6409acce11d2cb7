// Package expr holds in-memory expression matrices and the dataset
// container shared by the storage, alignment, and mapping layers.
package expr

import (
	"fmt"
	"log"
)

// Matrix is an expression payload in one of the supported encodings.
// The concrete variants are Dense, CSR, and CSC; ToDense converts any
// of them into row-major dense form.
type Matrix interface {
	// Dims returns the logical (rows, cols) shape.
	Dims() (rows, cols int)
}

// Dense is a row-major dense matrix. Data has length Rows*Cols.
type Dense struct {
	Rows, Cols int
	Data       []float32
}

// Dims returns the matrix shape.
func (m *Dense) Dims() (int, int) { return m.Rows, m.Cols }

// At returns the element at (r, c).
func (m *Dense) At(r, c int) float32 { return m.Data[r*m.Cols+c] }

// Set stores v at (r, c).
func (m *Dense) Set(r, c int, v float32) { m.Data[r*m.Cols+c] = v }

// Row returns the r-th row as a subslice of Data.
func (m *Dense) Row(r int) []float32 { return m.Data[r*m.Cols : (r+1)*m.Cols] }

// NewDense allocates a zero-filled dense matrix.
func NewDense(rows, cols int) *Dense {
	return &Dense{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// CSR is a compressed sparse row matrix in the usual three-array form.
// Indptr has length Rows+1; Indices and Data share a length and hold
// the column index and value of each stored element.
type CSR struct {
	Rows, Cols int
	Data       []float32
	Indices    []int32
	Indptr     []int64
}

// Dims returns the matrix shape.
func (m *CSR) Dims() (int, int) { return m.Rows, m.Cols }

// Validate checks the structural invariants of the three arrays.
func (m *CSR) Validate() error {
	return validateCompressed("csr", m.Rows, m.Cols, m.Data, m.Indices, m.Indptr)
}

// Dense expands the matrix to row-major dense form. Explicitly stored
// zeros are written through and duplicate coordinates accumulate.
func (m *CSR) Dense() (*Dense, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := NewDense(m.Rows, m.Cols)
	for r := 0; r < m.Rows; r++ {
		for k := m.Indptr[r]; k < m.Indptr[r+1]; k++ {
			out.Data[r*m.Cols+int(m.Indices[k])] += m.Data[k]
		}
	}
	return out, nil
}

// CSC is a compressed sparse column matrix. Indptr has length Cols+1;
// Indices holds row indices.
type CSC struct {
	Rows, Cols int
	Data       []float32
	Indices    []int32
	Indptr     []int64
}

// Dims returns the matrix shape.
func (m *CSC) Dims() (int, int) { return m.Rows, m.Cols }

// Validate checks the structural invariants of the three arrays.
func (m *CSC) Validate() error {
	return validateCompressed("csc", m.Cols, m.Rows, m.Data, m.Indices, m.Indptr)
}

// Dense expands the matrix to row-major dense form.
func (m *CSC) Dense() (*Dense, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := NewDense(m.Rows, m.Cols)
	for c := 0; c < m.Cols; c++ {
		for k := m.Indptr[c]; k < m.Indptr[c+1]; k++ {
			out.Data[int(m.Indices[k])*m.Cols+c] += m.Data[k]
		}
	}
	return out, nil
}

// validateCompressed checks a CSR/CSC triple. outer is the compressed
// axis length (rows for CSR, cols for CSC), inner the index bound.
func validateCompressed(kind string, outer, inner int, data []float32, indices []int32, indptr []int64) error {
	if outer < 0 || inner < 0 {
		return fmt.Errorf("%s: negative shape %dx%d", kind, outer, inner)
	}
	if len(indptr) != outer+1 {
		return fmt.Errorf("%s: indptr length %d, want %d", kind, len(indptr), outer+1)
	}
	if len(indices) != len(data) {
		return fmt.Errorf("%s: indices length %d does not match data length %d", kind, len(indices), len(data))
	}
	if outer == 0 {
		return nil
	}
	if indptr[0] != 0 {
		return fmt.Errorf("%s: indptr[0] = %d, want 0", kind, indptr[0])
	}
	for i := 0; i < outer; i++ {
		if indptr[i+1] < indptr[i] {
			return fmt.Errorf("%s: indptr not monotone at %d (%d > %d)", kind, i, indptr[i], indptr[i+1])
		}
	}
	if int(indptr[outer]) != len(data) {
		return fmt.Errorf("%s: indptr[%d] = %d, want nnz %d", kind, outer, indptr[outer], len(data))
	}
	for k, idx := range indices {
		if idx < 0 || int(idx) >= inner {
			return fmt.Errorf("%s: index %d out of range [0,%d) at position %d", kind, idx, inner, k)
		}
	}
	return nil
}

// UnsupportedMatrixTypeError reports a payload type the ingestion
// layer cannot densify.
type UnsupportedMatrixTypeError struct {
	Type string
}

func (e *UnsupportedMatrixTypeError) Error() string {
	return "unsupported matrix type: " + e.Type
}

// ToDense converts any supported matrix encoding to row-major dense
// form. Dense input is returned as-is without copying, so repeated
// calls are idempotent. Unknown dynamic types are logged and rejected
// with UnsupportedMatrixTypeError rather than a panic.
func ToDense(m Matrix) (*Dense, error) {
	switch t := m.(type) {
	case *Dense:
		return t, nil
	case *CSR:
		return t.Dense()
	case *CSC:
		return t.Dense()
	default:
		log.Printf("[Expr] matrix has unrecognized type: %T", m)
		return nil, &UnsupportedMatrixTypeError{Type: fmt.Sprintf("%T", m)}
	}
}

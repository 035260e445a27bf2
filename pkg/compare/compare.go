// Package compare checks host arrays for numeric agreement.
package compare

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Report summarises the element-wise differences of two arrays.
type Report struct {
	Count      int
	Mismatched int
	// FirstMismatch is the index of the first element out of tolerance, or -1.
	FirstMismatch int
	MaxAbs        float64
	MaxRel        float64
}

// Equal reports whether every element was within tolerance.
func (r *Report) Equal() bool {
	return r.Mismatched == 0
}

func (r *Report) String() string {
	return fmt.Sprintf("%d/%d elements differ, max abs %g, max rel %g", r.Mismatched, r.Count, r.MaxAbs, r.MaxRel)
}

// AllClose compares got against want element-wise: an element matches when
// |got-want| <= atol + rtol*|want|. NaN never matches. Shapes must be equal;
// dtypes may differ.
func AllClose(got, want tensor.Array, rtol, atol float64) (*Report, error) {
	if !got.Shape().Equal(want.Shape()) {
		return nil, fmt.Errorf("cannot compare shapes %v and %v", got.Shape(), want.Shape())
	}

	a := got.AsFloat64()
	b := want.AsFloat64()
	r := &Report{Count: len(a), FirstMismatch: -1}
	if len(a) == 0 {
		return r, nil
	}

	diff := make([]float64, len(a))
	floats.SubTo(diff, a, b)
	rel := make([]float64, len(a))
	for i, d := range diff {
		if a[i] == b[i] {
			// equal infinities subtract to NaN
			diff[i] = 0
			continue
		}
		d = math.Abs(d)
		diff[i] = d
		if b[i] != 0 {
			rel[i] = d / math.Abs(b[i])
		} else if d != 0 {
			rel[i] = math.Inf(1)
		}
		infinite := math.IsInf(a[i], 0) || math.IsInf(b[i], 0)
		if infinite || !(d <= atol+rtol*math.Abs(b[i])) {
			r.Mismatched++
			if r.FirstMismatch < 0 {
				r.FirstMismatch = i
			}
		}
	}

	if floats.HasNaN(diff) {
		r.MaxAbs = math.NaN()
		r.MaxRel = math.NaN()
	} else {
		r.MaxAbs = floats.Max(diff)
		r.MaxRel = floats.Max(rel)
	}
	return r, nil
}

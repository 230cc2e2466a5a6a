package rating

import "fmt"

// tridiagonal is band storage for an n×n tridiagonal matrix.
//
//	lower[i] = H[i][i-1] (lower[0] unused)
//	diag[i]  = H[i][i]
//	upper[i] = H[i][i+1] (upper[n-1] unused)
type tridiagonal struct {
	lower []float64
	diag  []float64
	upper []float64
}

func newTridiagonal(n int) tridiagonal {
	return tridiagonal{
		lower: make([]float64, n),
		diag:  make([]float64, n),
		upper: make([]float64, n),
	}
}

func (t tridiagonal) size() int { return len(t.diag) }

// at returns H[i][j]. Entries outside the band are zero; indices outside the
// matrix report false.
func (t tridiagonal) at(i, j int) (float64, bool) {
	n := t.size()
	if i < 0 || j < 0 || i >= n || j >= n {
		return 0, false
	}
	switch j - i {
	case 0:
		return t.diag[i], true
	case 1:
		return t.upper[i], true
	case -1:
		return t.lower[i], true
	default:
		return 0, true
	}
}

// dense expands the band into row-major n×n storage.
func (t tridiagonal) dense() []float64 {
	n := t.size()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i - 1; j <= i+1; j++ {
			if v, ok := t.at(i, j); ok {
				out[i*n+j] = v
			}
		}
	}
	return out
}

// forward runs the Thomas elimination: d[i] is the reduced diagonal and
// a[i] = H[i][i-1]/d[i-1] the multiplier (a[0] unused).
func (t tridiagonal) forward() (a, d []float64) {
	n := t.size()
	a = make([]float64, n)
	d = make([]float64, n)
	if n == 0 {
		return a, d
	}
	d[0] = t.diag[0]
	for i := 1; i < n; i++ {
		a[i] = t.lower[i] / d[i-1]
		d[i] = t.diag[i] - a[i]*t.upper[i-1]
	}
	return a, d
}

// solve returns x with H·x = g.
func (t tridiagonal) solve(g []float64) ([]float64, error) {
	n := t.size()
	if len(g) != n {
		return nil, fmt.Errorf("tridiagonal solve: rhs has %d entries, matrix is %dx%d", len(g), n, n)
	}
	if n == 0 {
		return nil, nil
	}
	a, d := t.forward()

	y := make([]float64, n)
	y[0] = g[0]
	for i := 1; i < n; i++ {
		y[i] = g[i] - a[i]*y[i-1]
	}

	x := make([]float64, n)
	x[n-1] = y[n-1] / d[n-1]
	for i := n - 2; i >= 0; i-- {
		x[i] = (y[i] - t.upper[i]*x[i+1]) / d[i]
	}
	return x, nil
}

// negInverseDiagonal returns v = -diag(H⁻¹) and the forward multipliers,
// using one forward and one mirrored backward elimination.
func (t tridiagonal) negInverseDiagonal() (v, a []float64) {
	n := t.size()
	if n == 0 {
		return nil, nil
	}
	a, d := t.forward()

	dp := make([]float64, n)
	bp := make([]float64, n)
	dp[n-1] = t.diag[n-1]
	bp[n-1] = t.lower[n-1]
	for i := n - 2; i >= 0; i-- {
		ap := t.upper[i] / dp[i+1]
		dp[i] = t.diag[i] - ap*t.lower[i+1]
		bp[i] = t.lower[i]
	}

	v = make([]float64, n)
	for i := 0; i < n-1; i++ {
		v[i] = dp[i+1] / (t.upper[i]*bp[i+1] - d[i]*dp[i+1])
	}
	v[n-1] = -1 / d[n-1]
	return v, a
}

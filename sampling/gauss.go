package sampling

import (
	"fmt"
	"math"
	"sort"
)

// Rule1D is a one-dimensional quadrature rule on the reference domain of a
// distribution. Weights sum to one.
type Rule1D struct {
	Nodes   []float64
	Weights []float64
}

// gaussLegendre returns the n-point Gauss-Legendre rule on [-1,1] with
// probability weights.
func gaussLegendre(n int) (Rule1D, error) {
	return golubWelsch(n, 2, func(k int) float64 {
		kf := float64(k)
		return kf * kf / (4*kf*kf - 1)
	})
}

// gaussHermite returns the n-point probabilists' Gauss-Hermite rule for the
// standard normal with probability weights.
func gaussHermite(n int) (Rule1D, error) {
	return golubWelsch(n, math.Sqrt(2*math.Pi), func(k int) float64 {
		return float64(k)
	})
}

// golubWelsch builds a Gauss rule from the three-term recurrence of a
// symmetric weight (all alpha coefficients zero). beta(k) is the k-th
// recurrence coefficient for k >= 1 and mu0 is the total mass of the weight.
func golubWelsch(n int, mu0 float64, beta func(k int) float64) (Rule1D, error) {
	if n < 1 {
		return Rule1D{}, fmt.Errorf("quadrature rule needs at least one node, got %d", n)
	}
	d := make([]float64, n)
	e := make([]float64, n)
	for k := 1; k < n; k++ {
		e[k-1] = math.Sqrt(beta(k))
	}
	z := make([][]float64, n)
	for i := range z {
		z[i] = make([]float64, n)
		z[i][i] = 1
	}
	if err := tql2(d, e, z); err != nil {
		return Rule1D{}, err
	}

	type pair struct{ x, w float64 }
	pairs := make([]pair, n)
	for j := 0; j < n; j++ {
		v0 := z[0][j]
		pairs[j] = pair{x: d[j], w: mu0 * v0 * v0}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].x < pairs[j].x })

	rule := Rule1D{Nodes: make([]float64, n), Weights: make([]float64, n)}
	var total float64
	for i, p := range pairs {
		rule.Nodes[i] = p.x
		rule.Weights[i] = p.w
		total += p.w
	}
	for i := range rule.Weights {
		rule.Weights[i] /= total
	}
	// Symmetric rules have an exact zero at the centre for odd n.
	if n%2 == 1 {
		rule.Nodes[n/2] = 0
	}
	for i := 0; i < n/2; i++ {
		j := n - 1 - i
		x := (rule.Nodes[j] - rule.Nodes[i]) / 2
		w := (rule.Weights[i] + rule.Weights[j]) / 2
		rule.Nodes[i], rule.Nodes[j] = -x, x
		rule.Weights[i], rule.Weights[j] = w, w
	}
	return rule, nil
}

// tql2 diagonalizes a symmetric tridiagonal matrix with the implicit QL
// method. d holds the diagonal and e the subdiagonal in e[0..n-2]. On return
// d holds the eigenvalues and the columns of z the eigenvectors.
func tql2(d, e []float64, z [][]float64) error {
	n := len(d)
	if n == 1 {
		return nil
	}
	e[n-1] = 0

	var f, tst1 float64
	for l := 0; l < n; l++ {
		tst1 = math.Max(tst1, math.Abs(d[l])+math.Abs(e[l]))
		m := l
		for m < n {
			if math.Abs(e[m]) <= 0x1p-52*tst1 {
				break
			}
			m++
		}
		if m == n {
			m = n - 1
		}

		if m > l {
			for iter := 0; ; iter++ {
				if iter > 60 {
					return fmt.Errorf("quadrature eigenvalue iteration did not converge")
				}
				g := d[l]
				p := (d[l+1] - g) / (2 * e[l])
				r := math.Hypot(p, 1)
				if p < 0 {
					r = -r
				}
				d[l] = e[l] / (p + r)
				d[l+1] = e[l] * (p + r)
				dl1 := d[l+1]
				h := g - d[l]
				for i := l + 2; i < n; i++ {
					d[i] -= h
				}
				f += h

				p = d[m]
				c, c2, c3 := 1.0, 1.0, 1.0
				el1 := e[l+1]
				var s, s2 float64
				for i := m - 1; i >= l; i-- {
					c3 = c2
					c2 = c
					s2 = s
					g = c * e[i]
					h = c * p
					r = math.Hypot(p, e[i])
					e[i+1] = s * r
					s = e[i] / r
					c = p / r
					p = c*d[i] - s*g
					d[i+1] = h + s*(c*g+s*d[i])
					for k := 0; k < n; k++ {
						h = z[k][i+1]
						z[k][i+1] = s*z[k][i] + c*h
						z[k][i] = c*z[k][i] - s*h
					}
				}
				p = -s * s2 * c3 * el1 * e[l] / dl1
				e[l] = s * p
				d[l] = c * p
				if math.Abs(e[l]) <= 0x1p-52*tst1 {
					break
				}
			}
		}
		d[l] += f
		e[l] = 0
	}
	return nil
}

// clenshawCurtis returns the n-point Clenshaw-Curtis rule on [-1,1] with
// probability weights.
func clenshawCurtis(n int) (Rule1D, error) {
	if n < 1 {
		return Rule1D{}, fmt.Errorf("quadrature rule needs at least one node, got %d", n)
	}
	if n == 1 {
		return Rule1D{Nodes: []float64{0}, Weights: []float64{1}}, nil
	}
	big := n - 1
	rule := Rule1D{Nodes: make([]float64, n), Weights: make([]float64, n)}
	for j := 0; j < n; j++ {
		theta := float64(j) * math.Pi / float64(big)
		sum := 0.0
		for k := 1; k <= big/2; k++ {
			b := 2.0
			if 2*k == big {
				b = 1
			}
			sum += b / float64(4*k*k-1) * math.Cos(2*float64(k)*theta)
		}
		c := 2.0
		if j == 0 || j == big {
			c = 1
		}
		// Probability weights: the [-1,1] weights halved.
		rule.Weights[n-1-j] = c / float64(big) * (1 - sum) / 2
		rule.Nodes[n-1-j] = -math.Cos(theta)
	}
	if n%2 == 1 {
		rule.Nodes[n/2] = 0
	}
	return rule, nil
}

package mpc

import (
	"math/big"

	"github.com/fentec-project/gofe/data"
)

// addZp returns a + b mod p.
func addZp(a, b, p *big.Int) *big.Int {
	sum := new(big.Int).Add(a, b)
	return sum.Mod(sum, p)
}

// subZp returns a - b mod p.
func subZp(a, b, p *big.Int) *big.Int {
	dif := new(big.Int).Sub(a, b)
	return dif.Mod(dif, p)
}

// mulZp returns a * b mod p.
func mulZp(a, b, p *big.Int) *big.Int {
	prod := new(big.Int).Mul(a, b)
	return prod.Mod(prod, p)
}

// addVec returns the element-wise sum of two vectors mod p.
func addVec(a, b data.Vector, p *big.Int) data.Vector {
	out := make(data.Vector, len(a))
	for i := range a {
		out[i] = addZp(a[i], b[i], p)
	}
	return out
}

// subVec returns the element-wise difference of two vectors mod p.
func subVec(a, b data.Vector, p *big.Int) data.Vector {
	out := make(data.Vector, len(a))
	for i := range a {
		out[i] = subZp(a[i], b[i], p)
	}
	return out
}

// hadamardVec returns the element-wise product of two vectors mod p.
func hadamardVec(a, b data.Vector, p *big.Int) data.Vector {
	out := make(data.Vector, len(a))
	for i := range a {
		out[i] = mulZp(a[i], b[i], p)
	}
	return out
}

// matMulZp multiplies an (m,k) by a (k,n) row-major matrix mod p.
func matMulZp(a, b data.Vector, m, k, n int, p *big.Int) data.Vector {
	out := make(data.Vector, m*n)
	tmp := new(big.Int)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			acc := new(big.Int)
			for l := 0; l < k; l++ {
				acc.Add(acc, tmp.Mul(a[i*k+l], b[l*n+j]))
			}
			out[i*n+j] = acc.Mod(acc, p)
		}
	}
	return out
}

// zeroVec returns a vector of n zeros.
func zeroVec(n int) data.Vector {
	out := make(data.Vector, n)
	for i := range out {
		out[i] = new(big.Int)
	}
	return out
}

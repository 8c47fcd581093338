package gnn

import (
	"fmt"
	"math"
	"math/rand"
)

// linear is a dense layer y = Wx + b with row-major weights.
type linear struct {
	in, out int
	w       []float32
	b       []float32
}

// newLinear initializes a layer with Xavier-uniform weights drawn from
// the given source, so a fixed seed yields identical models.
func newLinear(in, out int, rng *rand.Rand) *linear {
	l := &linear{in: in, out: out, w: make([]float32, in*out), b: make([]float32, out)}
	bound := float32(math.Sqrt(6.0 / float64(in+out)))
	for i := range l.w {
		l.w[i] = (rng.Float32()*2 - 1) * bound
	}
	return l
}

func (l *linear) apply(x []float32) []float32 {
	y := make([]float32, l.out)
	for i := 0; i < l.out; i++ {
		sum := l.b[i]
		row := l.w[i*l.in:]
		for j := 0; j < l.in; j++ {
			sum += row[j] * x[j]
		}
		y[i] = sum
	}
	return y
}

// load replaces the layer's parameters, rejecting shape mismatches.
func (l *linear) load(weight [][]float32, bias []float32) error {
	if len(weight) != l.out {
		return fmt.Errorf("weight rows: got %d, want %d", len(weight), l.out)
	}
	if len(bias) != l.out {
		return fmt.Errorf("bias length: got %d, want %d", len(bias), l.out)
	}
	w := make([]float32, l.in*l.out)
	for i, row := range weight {
		if len(row) != l.in {
			return fmt.Errorf("weight row %d: got %d columns, want %d", i, len(row), l.in)
		}
		copy(w[i*l.in:], row)
	}
	l.w = w
	l.b = append([]float32(nil), bias...)
	return nil
}

func reluInPlace(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func addInto(dst, src []float32) {
	for i, x := range src {
		dst[i] += x
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// softmax converts logits to a probability distribution.
func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float32, len(logits))
	var denom float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		denom += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / denom)
	}
	return out
}

package model

import (
	"fmt"
	"math/rand"
	"strings"
)

// Param is a named trainable tensor stored flat in row-major order.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Param{Name: name, Shape: s, Data: make([]float32, n), Grad: make([]float32, n)}
}

// Numel returns the element count.
func (p *Param) Numel() int { return len(p.Data) }

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { clear(p.Grad) }

// ShapeString formats the shape as "[d0, d1]".
func (p *Param) ShapeString() string {
	parts := make([]string, len(p.Shape))
	for i, d := range p.Shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (p *Param) fillNormal(rng *rand.Rand, std float64) {
	for i := range p.Data {
		p.Data[i] = float32(rng.NormFloat64() * std)
	}
}

func (p *Param) fill(v float32) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

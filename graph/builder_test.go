package graph

import (
	"slices"
	"strings"
	"testing"
)

func TestBuilderShapes(t *testing.T) {
	b := NewBuilder("main")

	x := b.Input(F32, 1, 4, 5, 3)
	w := b.FixedInput(F32, []int{8, 3, 3, 3}, make([]byte, 8*3*3*3*4))

	nchw := b.Transpose(x, []int{0, 3, 1, 2})
	if !slices.Equal(nchw.Shape(), []int{1, 3, 4, 5}) {
		t.Errorf("transpose: expected shape [1 3 4 5], got %v", nchw.Shape())
	}

	conv := b.Conv2D(nchw, w, []int{1, 1}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if !slices.Equal(conv.Shape(), []int{1, 8, 4, 5}) {
		t.Errorf("conv: expected shape [1 8 4 5], got %v", conv.Shape())
	}

	pool := b.Pool2D(OpMaxPool2D, conv, []int{2, 2}, []int{2, 2}, []int{0, 0}, []int{0, 0})
	if !slices.Equal(pool.Shape(), []int{1, 8, 2, 2}) {
		t.Errorf("pool: expected shape [1 8 2 2], got %v", pool.Shape())
	}

	sub := b.SubTensor(pool, []int{0, 1, 0, 0}, []int{0, 7, 1, 1}, []int{1, 3, 1, 1})
	if !slices.Equal(sub.Shape(), []int{1, 3, 2, 2}) {
		t.Errorf("sub-tensor: expected shape [1 3 2 2], got %v", sub.Shape())
	}

	flat := b.Reshape(sub, []int{1, 12})
	sm := b.Softmax(flat, 1, -1)
	if err := b.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g, err := b.Build([]*Tensor{x}, []*Tensor{sm})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(g.Nodes) != 8 {
		t.Errorf("expected 8 nodes, got %d", len(g.Nodes))
	}
	if g.Nodes[sm.ID()].Axis != 1 {
		t.Errorf("softmax axis should be normalized to 1, got %d", g.Nodes[sm.ID()].Axis)
	}
	if g.FixedBytes() != 8*3*3*3*4 {
		t.Errorf("unexpected fixed bytes %d", g.FixedBytes())
	}
	if err := g.Replay(); err != nil {
		t.Errorf("Replay of a built graph failed: %v", err)
	}
}

func TestBroadcastShape(t *testing.T) {
	tests := []struct {
		a, b, want []int
	}{
		{[]int{2, 3}, []int{3}, []int{2, 3}},
		{[]int{1}, []int{4, 2}, []int{4, 2}},
		{[]int{2, 1, 3}, []int{4, 1}, []int{2, 4, 3}},
	}
	for _, tc := range tests {
		got, err := broadcastShape(tc.a, tc.b)
		if err != nil {
			t.Errorf("broadcastShape(%v, %v): unexpected error %v", tc.a, tc.b, err)
			continue
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("broadcastShape(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
	if _, err := broadcastShape([]int{2, 3}, []int{4}); err == nil {
		t.Error("expected error broadcasting [2 3] with [4]")
	}
}

func TestStickyError(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input(F32, 2, 3)
	y := b.Input(F32, 4)

	if z := b.Add(x, y); z != nil {
		t.Error("expected nil tensor for incompatible shapes")
	}
	firstErr := b.Err()
	if firstErr == nil || !strings.Contains(firstErr.Error(), "cannot be broadcast") {
		t.Fatalf("expected broadcast error, got %v", firstErr)
	}

	// Further calls keep the first error and return nil.
	if r := b.Relu(x); r != nil {
		t.Error("expected nil tensor after error")
	}
	if b.Err() != firstErr {
		t.Errorf("expected first error to be kept, got %v", b.Err())
	}
	if _, err := b.Build([]*Tensor{x, y}, []*Tensor{x}); err != firstErr {
		t.Errorf("Build should return the sticky error, got %v", err)
	}
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
	}{
		{"scalar input", func(b *Builder) { b.Input(F32) }},
		{"zero dimension", func(b *Builder) { b.Input(F32, 2, 0) }},
		{"fixed input size", func(b *Builder) { b.FixedInput(F32, []int{2}, make([]byte, 4)) }},
		{"bad permutation", func(b *Builder) { b.Transpose(b.Input(F32, 2, 3), []int{0, 0}) }},
		{"reshape count", func(b *Builder) { b.Reshape(b.Input(F32, 2, 3), []int{5}) }},
		{"negative stride", func(b *Builder) {
			b.SubTensor(b.Input(F32, 4), []int{0}, []int{3}, []int{-1})
		}},
		{"sub-tensor range", func(b *Builder) {
			b.SubTensor(b.Input(F32, 4), []int{2}, []int{4}, []int{1})
		}},
		{"concat dims", func(b *Builder) {
			b.Concat(0, b.Input(F32, 2, 3), b.Input(F32, 2, 4))
		}},
		{"matmul contracting", func(b *Builder) { b.MatMul(b.Input(F32, 2, 3), b.Input(F32, 2, 3)) }},
		{"conv channels", func(b *Builder) {
			b.Conv2D(b.Input(F32, 1, 3, 4, 4), b.Input(F32, 2, 2, 1, 1),
				[]int{1, 1}, []int{0, 0}, []int{0, 0}, []int{1, 1})
		}},
		{"depthwise filter", func(b *Builder) {
			b.DepthwiseConv2D(b.Input(F32, 1, 3, 4, 4), b.Input(F32, 4, 1, 1, 1),
				[]int{1, 1}, []int{0, 0}, []int{0, 0}, []int{1, 1})
		}},
		{"pool window", func(b *Builder) {
			b.Pool2D(OpAvgPool2D, b.Input(F32, 1, 1, 2, 2), []int{3, 3}, []int{1, 1}, []int{0, 0}, []int{0, 0})
		}},
		{"softmax dtype", func(b *Builder) { b.Softmax(b.Input(I32, 4), 1, 0) }},
		{"mixed dtypes", func(b *Builder) { b.Add(b.Input(F32, 4), b.Input(I32, 4)) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder("main")
			tc.build(b)
			if b.Err() == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestBuildInputs(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input(F32, 2)
	y := b.Input(F32, 2)
	sum := b.Add(x, y)

	if _, err := b.Build([]*Tensor{x}, []*Tensor{sum}); err == nil {
		t.Error("expected error when an input node is not listed")
	}
	if _, err := b.Build([]*Tensor{x, x, y}, []*Tensor{sum}); err == nil {
		t.Error("expected error when an input is listed twice")
	}
	if _, err := b.Build([]*Tensor{x, sum}, []*Tensor{sum}); err == nil {
		t.Error("expected error when a computed node is listed as input")
	}

	other := NewBuilder("other")
	if _, err := other.Build(nil, []*Tensor{sum}); err == nil {
		t.Error("expected error for tensors from another builder")
	}

	g, err := b.Build([]*Tensor{y, x}, []*Tensor{sum, x})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !slices.Equal(g.Inputs, []int{1, 0}) || !slices.Equal(g.Outputs, []int{2, 0}) {
		t.Errorf("unexpected inputs %v / outputs %v", g.Inputs, g.Outputs)
	}
}

func TestReplayRejectsTamperedGraph(t *testing.T) {
	b := NewBuilder("main")
	x := b.Input(F32, 2, 3)
	r := b.Relu(x)
	g, err := b.Build([]*Tensor{x}, []*Tensor{r})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	g.Nodes[1].Shape = []int{3, 2}
	if err := g.Replay(); err == nil {
		t.Error("expected Replay to detect a shape mismatch")
	}
	g.Nodes[1].Shape = []int{2, 3}
	g.Nodes[1].Inputs = []int{1}
	if err := g.Replay(); err == nil {
		t.Error("expected Replay to detect an out of order input")
	}
}

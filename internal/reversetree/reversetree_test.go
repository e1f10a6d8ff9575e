package reversetree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/reversetree"
)

func TestRankZeroHasNoParent(t *testing.T) {
	p := reversetree.Compute(0, 16, 4)
	require.Equal(t, -1, p.Parent)
	require.Equal(t, 0, p.Depth)
}

func TestLastRankIsALeaf(t *testing.T) {
	p := reversetree.Compute(15, 16, 4)
	require.Equal(t, 0, p.Children)
}

func TestWidthOneIsALinkedList(t *testing.T) {
	for r := 0; r < 5; r++ {
		p := reversetree.Compute(r, 5, 1)
		if r == 0 {
			require.Equal(t, -1, p.Parent)
		} else {
			require.Equal(t, r-1, p.Parent)
		}
		if r < 4 {
			require.Equal(t, 1, p.Children)
		} else {
			require.Equal(t, 0, p.Children)
		}
	}
}

func TestWidthGreaterThanCountCollapsesToStar(t *testing.T) {
	p0 := reversetree.Compute(0, 3, 100)
	require.Equal(t, -1, p0.Parent)
	require.Equal(t, 2, p0.Children)

	p1 := reversetree.Compute(1, 3, 100)
	require.Equal(t, 0, p1.Parent)
	require.Equal(t, 0, p1.Children)
}

func TestNullHostsetCollapsesTreeToDirectReporting(t *testing.T) {
	p := reversetree.Compute(5, 10, 0)
	require.Equal(t, -1, p.Parent)
	require.Equal(t, 0, p.Children)
	require.Equal(t, 0, p.Depth)
	require.Equal(t, 0, p.MaxDepth)
}

func TestChildrenCountSumsToCountMinusOne(t *testing.T) {
	const count, width = 20, 3
	total := 0
	for r := 0; r < count; r++ {
		total += reversetree.Children(r, count, width)
	}
	require.Equal(t, count-1, total)
}

func TestMaxDepthMonotonicWithWidth(t *testing.T) {
	wide := reversetree.MaxDepth(100, 10)
	narrow := reversetree.MaxDepth(100, 2)
	require.LessOrEqual(t, wide, narrow)
}

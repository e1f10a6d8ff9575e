/*
 * MIT License
 *
 * Copyright (c) 2026 nodeagentd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package reversetree computes the fan-out reverse-tree used to aggregate
// step-completion RPCs back to the controller. It is a pure function of
// (rank, count, width); nothing here touches I/O or locking.
package reversetree

// Params is the set of reverse-tree parameters computed for one rank.
type Params struct {
	Rank     int
	Parent   int // -1 if this rank reports directly to the controller
	Children int
	Depth    int
	MaxDepth int
}

// Compute returns the reverse-tree parameters for rank within a step of
// size count and fan-out width. A width <= 0 means "no tree" (every
// supervisor talks directly to the controller): the null-hostset case,
// where rank and parent are both -1 and children/depth are 0.
func Compute(rank, count, width int) Params {
	if width <= 0 || count <= 0 {
		return Params{Rank: -1, Parent: -1, Children: 0, Depth: 0, MaxDepth: 0}
	}

	parent := Parent(rank, width)
	children := Children(rank, count, width)
	depth := Depth(rank, width)
	maxDepth := MaxDepth(count, width)

	return Params{Rank: rank, Parent: parent, Children: children, Depth: depth, MaxDepth: maxDepth}
}

// Parent returns the rank that collects rank's completion report. Rank 0
// has no parent (-1): it reports directly to the controller.
func Parent(rank, width int) int {
	if rank <= 0 {
		return -1
	}
	return (rank - 1) / width
}

// Children returns how many ranks report to rank, given a step of count
// total ranks and fan-out width.
func Children(rank, count, width int) int {
	if width <= 0 {
		return 0
	}
	first := rank*width + 1
	if first >= count {
		return 0
	}
	n := count - first
	if n > width {
		n = width
	}
	return n
}

// Depth returns rank's distance from the root (rank 0) in the tree.
func Depth(rank, width int) int {
	if rank <= 0 || width <= 0 {
		return 0
	}
	d := 0
	for r := rank; r > 0; r = Parent(r, width) {
		d++
	}
	return d
}

// MaxDepth returns the depth of the deepest leaf in a tree of count ranks
// with fan-out width.
func MaxDepth(count, width int) int {
	if count <= 1 || width <= 0 {
		return 0
	}
	return Depth(count-1, width)
}

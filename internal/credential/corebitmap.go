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

package credential

import "fmt"

// coreView adapts a CoreRLE into the NodeCoreView trait. The RLE
// representation is (sockets_per_node[], cores_per_socket[],
// sock_core_rep_count[]): entry i of each slice describes a run of
// sock_core_rep_count[i] consecutive nodes that all share
// sockets_per_node[i] sockets of cores_per_socket[i] cores, scaled by
// threads_per_core.
type coreView struct {
	rle CoreRLE
}

// NewCoreView builds a NodeCoreView over a credential's packed bitmap.
func NewCoreView(rle CoreRLE) NodeCoreView {
	return &coreView{rle: rle}
}

func (c *coreView) JobCpusForNode(hostIndex int) (int, error) {
	return c.cpusForNode(hostIndex)
}

func (c *coreView) StepCpusForNode(hostIndex int) (int, error) {
	// The step's slice of the credential uses the same RLE layout as the
	// job-wide grant; the step launcher restricts further via the
	// per-task CPU count it already received on the wire. This trait only
	// decodes "what does the credential say this node has".
	return c.cpusForNode(hostIndex)
}

func (c *coreView) cpusForNode(hostIndex int) (int, error) {
	if hostIndex < 0 {
		return 0, fmt.Errorf("credential: negative host index %d", hostIndex)
	}

	rle := c.rle
	if len(rle.SocketsPerNode) != len(rle.CoresPerSocket) || len(rle.CoresPerSocket) != len(rle.SockCoreRepCnt) {
		return 0, fmt.Errorf("credential: malformed core RLE (mismatched run lengths)")
	}

	threads := int(rle.ThreadsPerCore)
	if threads == 0 {
		threads = 1
	}

	remaining := hostIndex
	for i := range rle.SockCoreRepCnt {
		runLen := int(rle.SockCoreRepCnt[i])
		if remaining < runLen {
			cores := int(rle.SocketsPerNode[i]) * int(rle.CoresPerSocket[i])
			return cores * threads, nil
		}
		remaining -= runLen
	}

	return 0, fmt.Errorf("credential: host index %d beyond core RLE coverage", hostIndex)
}

// FoldMemoryLimit resolves the (possibly per-CPU) memory limit encoded on
// a credential into a concrete per-node byte value, folding any job-wide
// or step-wide memory limit down to what this node's core count grants.
func FoldMemoryLimit(memPerNode, memPerCPU uint64, cpusOnNode int) uint64 {
	if memPerCPU > 0 {
		return memPerCPU * uint64(cpusOnNode)
	}
	return memPerNode
}

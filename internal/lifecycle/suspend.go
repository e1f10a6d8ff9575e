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

package lifecycle

import "golang.org/x/sync/semaphore"

// suspendGate bounds how many jobs can be mid-suspend/resume at once
// (NUM_PARALLEL_SUSP_JOBS slots) and how many of a job's steps are
// signalled concurrently within one call (NUM_PARALLEL_SUSP_STEPS).
type suspendGate struct {
	slots     *semaphore.Weighted
	batchSize int
}

func newSuspendGate(slots, batchSize int) *suspendGate {
	return &suspendGate{slots: semaphore.NewWeighted(int64(slots)), batchSize: batchSize}
}

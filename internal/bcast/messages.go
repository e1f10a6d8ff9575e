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

// Package bcast is the file-broadcast receiver: one RPC handler accepts
// block-numbered, credential-checked, optionally-compressed blocks and
// streams them to a destination path opened as the owning job's user on
// the first block.
//
// A BcastTransfer is registered on block 1 and removed on the last
// block or by stall-GC; concurrent block writes for distinct transfers
// proceed in parallel under prefLock's read side, while stall-GC takes
// the write side to remove a transfer out from under a stalled sender.
package bcast

import "github.com/kraklabs/nodeagentd/internal/credential"

// Block is one sbcast RPC's payload: the credential/cast of the transfer
// plus this block's bytes, mirroring file_bcast_msg_t.
type Block struct {
	Credential credential.JobCredential
	Path       string
	BlockNo    uint32
	LastBlock  bool
	Force      bool
	Modes      uint32
	ATime      int64
	MTime      int64
	Algorithm  Algorithm
	Data       []byte
}

// transferKey identifies one in-flight transfer: the same (uid, job,
// path) triple the teacher's file_bcast_info_t keys on.
type transferKey struct {
	uid  uint32
	job  uint32
	path string
}

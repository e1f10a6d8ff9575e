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

package iomux

import (
	"encoding/binary"
	"fmt"
	"io"
)

var errShortReadWrite = fmt.Errorf("iomux: short read/write on framed stream")

// writeHeader writes a 9-byte framed header: type, task id, length.
func writeHeader(w io.Writer, h Header) error {
	var buf [headerSize]byte
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[1:5], h.TaskID)
	binary.BigEndian.PutUint32(buf[5:9], h.Length)
	n, err := w.Write(buf[:])
	if err != nil {
		return err
	}
	if n != headerSize {
		return errShortReadWrite
	}
	return nil
}

// readHeader reads one framed header, or io.EOF if the peer closed
// cleanly between messages.
func readHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   StreamType(buf[0]),
		TaskID: binary.BigEndian.Uint32(buf[1:5]),
		Length: binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// initHeader is sent once by a connecting supervisor before any framed
// stdio messages: protocol version, node index, and per-stream task
// counts so the server side knows when each stream has drained.
type initHeader struct {
	Version     uint16
	NodeIndex   uint32
	StdoutTasks uint32
	StderrTasks uint32
	HMAC        [32]byte
}

const initHeaderSize = 2 + 4 + 4 + 4 + 32

func writeInitHeader(w io.Writer, h initHeader) error {
	var buf [initHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint32(buf[2:6], h.NodeIndex)
	binary.BigEndian.PutUint32(buf[6:10], h.StdoutTasks)
	binary.BigEndian.PutUint32(buf[10:14], h.StderrTasks)
	copy(buf[14:46], h.HMAC[:])
	n, err := w.Write(buf[:])
	if err != nil {
		return err
	}
	if n != initHeaderSize {
		return errShortReadWrite
	}
	return nil
}

func readInitHeader(r io.Reader) (initHeader, error) {
	var buf [initHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return initHeader{}, err
	}
	var h initHeader
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	h.NodeIndex = binary.BigEndian.Uint32(buf[2:6])
	h.StdoutTasks = binary.BigEndian.Uint32(buf[6:10])
	h.StderrTasks = binary.BigEndian.Uint32(buf[10:14])
	copy(h.HMAC[:], buf[14:46])
	return h, nil
}

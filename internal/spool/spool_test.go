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

package spool

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenUnix(t *testing.T, path string) *net.UnixListener {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.(*net.UnixListener)
}

func TestScanFindsLiveSupervisorSocket(t *testing.T) {
	dir := t.TempDir()
	listenUnix(t, filepath.Join(dir, "node01_100.0"))

	recs, err := Scan(dir, "node01", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(100), recs[0].JobID)
	require.Equal(t, uint32(0), recs[0].StepID)
	require.Equal(t, -1, recs[0].NodeRank)
}

func TestScanPrunesDeadSocketSilently(t *testing.T) {
	dir := t.TempDir()
	// A stale socket file with nothing listening behind it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node01_200.0"), nil, 0600))

	recs, err := Scan(dir, "node01", 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestScanIgnoresForeignNodeNameAndMalformedNames(t *testing.T) {
	dir := t.TempDir()
	listenUnix(t, filepath.Join(dir, "othernode_300.1"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cred_state"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage"), nil, 0600))

	recs, err := Scan(dir, "node01", 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestScanHandlesMultipleStepsForSameJob(t *testing.T) {
	dir := t.TempDir()
	listenUnix(t, filepath.Join(dir, "node01_400.0"))
	listenUnix(t, filepath.Join(dir, "node01_400.1"))

	recs, err := Scan(dir, "node01", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestScanErrorsOnMissingDirectory(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "does-not-exist"), "node01", 0)
	require.Error(t, err)
}

func TestScriptPathLayout(t *testing.T) {
	require.Equal(t, filepath.Join("/var/spool/slurmd", "job123", "slurm_script"), ScriptPath("/var/spool/slurmd", 123))
}

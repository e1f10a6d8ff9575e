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

package bcast

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// helperEnvMarker, when set in the environment, tells MaybeRunHelper
// this process was re-exec'd to open a file as a different OS identity
// rather than to run as the agent itself.
const helperEnvMarker = "NODEAGENTD_BCAST_HELPER"

const (
	envPath  = "NODEAGENTD_BCAST_PATH"
	envFlags = "NODEAGENTD_BCAST_FLAGS"
	envMode  = "NODEAGENTD_BCAST_MODE"
)

// fileOpener opens path as the given OS identity; a field on Receiver so
// tests can substitute a fake instead of exec'ing a real helper.
type fileOpener func(path string, flags int, mode os.FileMode, uid, gid uint32, groups []uint32) (*os.File, error)

// openAsUser opens path as (uid, gid, groups) by re-executing this same
// binary under that credential and receiving the resulting fd back over
// a unix socketpair with SCM_RIGHTS.
//
// Go cannot safely call raw fork() in a multi-threaded process without
// an immediate exec() in the child (same constraint documented for
// internal/launcher's double-fork deviation). Instead of forking, this
// re-execs /proc/self/exe with a credential-dropping SysProcAttr — the
// kernel does the setgroups/setgid/setuid sequence as part of exec,
// exactly mirroring _open_as_other/_send_back_fd/_receive_fd in the
// original slurmd request handler, without touching this process's own
// identity.
func openAsUser(path string, flags int, mode os.FileMode, uid, gid uint32, groups []uint32) (*os.File, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("bcast: socketpair: %w", err)
	}
	parentSock := os.NewFile(uintptr(pair[0]), "bcast-helper-parent")
	childSock := os.NewFile(uintptr(pair[1]), "bcast-helper-child")
	defer parentSock.Close()

	self, err := os.Executable()
	if err != nil {
		childSock.Close()
		return nil, fmt.Errorf("bcast: resolving self executable: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(),
		helperEnvMarker+"=1",
		envPath+"="+path,
		envFlags+"="+strconv.Itoa(flags),
		envMode+"="+strconv.FormatUint(uint64(mode), 8),
	)
	cmd.ExtraFiles = []*os.File{childSock}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid, Groups: groups},
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childSock.Close()
		return nil, fmt.Errorf("bcast: starting open-as-user helper: %w", err)
	}
	childSock.Close()

	fd, recvErr := recvFD(parentSock)
	waitErr := cmd.Wait()
	if recvErr != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("bcast: open-as-user helper failed: %w (wait: %v)", recvErr, waitErr)
		}
		return nil, fmt.Errorf("bcast: receiving fd from open-as-user helper: %w", recvErr)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func recvFD(sock *os.File) (int, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(int(sock.Fd()), buf, oob, 0)
	if err != nil {
		return 0, err
	}
	if oobn == 0 {
		msg := strings.TrimSpace(string(buf[:n]))
		if msg == "" {
			msg = "helper exited without sending an fd"
		}
		return 0, fmt.Errorf("%s", msg)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("parsing control message: %w", err)
	}
	if len(msgs) == 0 {
		return 0, fmt.Errorf("no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return 0, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
	}
	if len(fds) == 0 {
		return 0, fmt.Errorf("no fd in control message")
	}
	return fds[0], nil
}

// MaybeRunHelper must be the first thing cmd/nodeagentd's main calls. If
// this process was re-exec'd by openAsUser, it performs the open, sends
// the fd back over fd 3, and exits — it never returns in that case.
func MaybeRunHelper() {
	if os.Getenv(helperEnvMarker) != "1" {
		return
	}
	os.Exit(runHelper())
}

func runHelper() int {
	sock := os.NewFile(3, "bcast-helper-socket")
	defer sock.Close()

	flags, _ := strconv.Atoi(os.Getenv(envFlags))
	modeVal, _ := strconv.ParseUint(os.Getenv(envMode), 8, 32)

	f, err := os.OpenFile(os.Getenv(envPath), flags, os.FileMode(modeVal))
	if err != nil {
		_, _ = sock.Write([]byte(err.Error()))
		return 1
	}
	defer f.Close()

	rights := unix.UnixRights(int(f.Fd()))
	if err := unix.Sendmsg(int(sock.Fd()), []byte{0}, rights, nil, 0); err != nil {
		return 1
	}
	return 0
}

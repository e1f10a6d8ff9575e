//go:build !windows

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

package agentlog

import (
	"log/syslog"

	"github.com/sirupsen/logrus"
)

type syslogHook struct {
	writer *syslog.Writer
}

func newSyslogHook(addr string) (logrus.Hook, error) {
	w, err := syslog.Dial("udp", addr, syslog.LOG_INFO|syslog.LOG_DAEMON, "nodeagentd")
	if err != nil {
		return nil, err
	}
	return &syslogHook{writer: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *syslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	switch e.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.writer.Debug(line)
	case logrus.InfoLevel:
		return h.writer.Info(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	default:
		return h.writer.Err(line)
	}
}

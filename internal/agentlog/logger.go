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

// Package agentlog is the core's one logging facade. Call sites never
// import logrus directly; they depend on this package so the sink
// (stdout, file, syslog) is a config-time decision, not a call-site one.
package agentlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Field is one structured key/value attached to a log record.
type Field struct {
	Key string
	Val interface{}
}

// F is a short constructor for Field, meant to read well at call sites:
// log.Info("launch accepted", agentlog.F("job_id", 100)).
func F(key string, val interface{}) Field {
	return Field{Key: key, Val: val}
}

// Logger is the interface every component depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child Logger that always attaches fields, for
	// per-request/per-job field accumulation.
	With(fields ...Field) Logger
}

type logger struct {
	entry *logrus.Entry
}

// Config selects the sinks and level for New (std, file, syslog).
type Config struct {
	Level      logrus.Level
	JSON       bool
	Output     io.Writer // defaults to os.Stderr
	FilePath   string    // optional additional file sink
	SyslogAddr string    // optional additional syslog sink (unix only)
}

// New builds a Logger from Config. A zero Config yields a plain
// text-formatted stderr logger at Info level.
func New(cfg Config) (Logger, error) {
	base := logrus.New()
	base.SetLevel(levelOrDefault(cfg))

	if cfg.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base.SetOutput(out)

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, err
		}
		base.AddHook(&writerHook{writer: f, levels: logrus.AllLevels})
	}

	if cfg.SyslogAddr != "" {
		hook, err := newSyslogHook(cfg.SyslogAddr)
		if err != nil {
			return nil, err
		}
		base.AddHook(hook)
	}

	return &logger{entry: logrus.NewEntry(base)}, nil
}

func levelOrDefault(cfg Config) logrus.Level {
	if cfg.Level == 0 {
		return logrus.InfoLevel
	}
	return cfg.Level
}

func (l *logger) Debug(msg string, fields ...Field) { l.log(logrus.DebugLevel, msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.log(logrus.InfoLevel, msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.log(logrus.WarnLevel, msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.log(logrus.ErrorLevel, msg, fields) }

func (l *logger) With(fields ...Field) Logger {
	return &logger{entry: l.entry.WithFields(toLogrusFields(fields))}
}

func (l *logger) log(level logrus.Level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.entry.Log(level, msg)
		return
	}
	l.entry.WithFields(toLogrusFields(fields)).Log(level, msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Val
	}
	return out
}

// writerHook fans formatted records out to an additional io.Writer.
type writerHook struct {
	writer io.Writer
	levels []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level { return h.levels }

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.Bytes()
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

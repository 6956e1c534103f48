// Copyright (c) 2016 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qemu

import "github.com/sirupsen/logrus"

// Logger is a logging interface used throughout this package to log
// interesting pieces of information. Rather than impose a dependency on a
// particular logging package, the package presents this interface so that
// clients can fold these logs into their own.
type Logger interface {
	// V returns true if the given argument is less than or equal to the
	// implementation's defined verbosity level.
	V(level int32) bool

	// Infof writes informational output to the log.
	Infof(format string, args ...interface{})

	// Warningf writes warning output to the log.
	Warningf(format string, args ...interface{})

	// Errorf writes error output to the log.
	Errorf(format string, args ...interface{})
}

type nullLogger struct{}

func (nullLogger) V(int32) bool                    { return false }
func (nullLogger) Infof(string, ...interface{})    {}
func (nullLogger) Warningf(string, ...interface{}) {}
func (nullLogger) Errorf(string, ...interface{})   {}

// logrusLogger adapts a *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps entry as a Logger. A nil entry uses
// logrus.StandardLogger().
func NewLogrusLogger(entry *logrus.Entry) Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return logrusLogger{entry: entry}
}

func (l logrusLogger) V(level int32) bool {
	if level <= 0 {
		return true
	}
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l logrusLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debuglog provides topic-gated debug logging controlled by
// the CAPSULE_DEBUG environment variable.
package debuglog

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// A Topic selects one area of debug output.
type Topic uint

const (
	Path Topic = 1 << iota
	Search
	LDCache
	Capsule
	MProtect
	Wrappers
	Reloc
	Elf
	DLFunc

	All = Path | Search | LDCache | Capsule | MProtect | Wrappers | Reloc | Elf | DLFunc
)

var topicNames = map[string]Topic{
	"path":     Path,
	"search":   Search,
	"ldcache":  LDCache,
	"capsule":  Capsule,
	"mprotect": MProtect,
	"wrappers": Wrappers,
	"reloc":    Reloc,
	"elf":      Elf,
	"dlfunc":   DLFunc,
	"all":      All,
}

func (t Topic) String() string {
	for name, v := range topicNames {
		if v == t {
			return name
		}
	}
	return "debug"
}

var (
	once    sync.Once
	enabled Topic
	log     = logrus.New()
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.DebugLevel)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
}

// Parse decodes a space or comma separated list of topic names.
// Unknown names are ignored.
func Parse(s string) Topic {
	var t Topic
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	}) {
		t |= topicNames[tok]
	}
	return t
}

// trusted reports whether the process may honor environment-driven
// debug settings. Setuid and setgid processes must not.
func trusted() bool {
	if unix.Getuid() != unix.Geteuid() || unix.Getgid() != unix.Getegid() {
		return false
	}
	return true
}

func flags() Topic {
	once.Do(func() {
		if env := os.Getenv("CAPSULE_DEBUG"); env != "" && trusted() {
			enabled = Parse(env)
		}
	})
	return enabled
}

// Enabled reports whether debug output for t is switched on.
func Enabled(t Topic) bool {
	return flags()&t != 0
}

// Logf emits one debug message under topic t if that topic is enabled.
func Logf(t Topic, format string, args ...interface{}) {
	if !Enabled(t) {
		return
	}
	log.WithField("topic", t.String()).Debugf(format, args...)
}

// SetFlags overrides the topic mask. It is intended for tests and for
// callers that configure debugging programmatically.
func SetFlags(t Topic) {
	flags() // force the env parse so the override sticks
	enabled = t
}

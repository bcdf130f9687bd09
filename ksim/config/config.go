// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for ksim. ksim uses command line flags to set configuration, optionally
// extended by a kernel configuration file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/log"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name
//  3. Register a new flag in flags.go, with name and description
//  4. Add any necessary validation into validate()
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. The
	// variables %TIMESTAMP% and %COMMAND% are substituted.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// KernelFile is the path of a TOML kernel configuration file.
	KernelFile string `flag:"kernel-config"`

	// ViolationAction is what the kernel does to a task failing a privilege
	// check.
	ViolationAction kernel.ViolationAction `flag:"violation-action"`

	// FaultAction is what the kernel does to a task that faults at EL0.
	FaultAction kernel.FaultAction `flag:"fault-action"`

	// WarnInterval is the minimum interval between warnings caused by
	// hardware events. Zero disables rate limiting.
	WarnInterval time.Duration `flag:"warn-interval"`
}

func validFormat(format string) bool {
	return format == "text" || format == "json"
}

func (c *Config) validate() error {
	if !validFormat(c.LogFormat) {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if !validFormat(c.DebugLogFormat) {
		return fmt.Errorf("invalid debug log format %q", c.DebugLogFormat)
	}
	if c.WarnInterval < 0 {
		return fmt.Errorf("warn-interval must be non-negative: %v", c.WarnInterval)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

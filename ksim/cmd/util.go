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

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"kcore.dev/kcore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by tools that parse ksim output.
var ErrorLogger io.Writer

// ErrorLogFormat is the format of ErrorLogger messages: "text" or "json".
var ErrorLogFormat = "text"

// jsonError is the JSON format of messages written to ErrorLogger.
type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

func writeError(level log.Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if ErrorLogger == nil {
		return
	}
	now := time.Now()
	var data []byte
	if ErrorLogFormat == "json" {
		var err error
		data, err = json.Marshal(jsonError{Msg: msg, Level: level.String(), Time: now})
		if err != nil {
			log.Warningf("Failed to marshal error message: %v", err)
			return
		}
	} else {
		data = []byte(fmt.Sprintf("%s %s: %s", now.Format(time.RFC3339Nano), level, msg))
	}
	if _, err := ErrorLogger.Write(append(data, '\n')); err != nil {
		log.Warningf("Failed to write error message: %v", err)
	}
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(log.Warning, format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	// Return an error that is unlikely to be used by scripts.
	os.Exit(128)
}

// Infof logs to the error logger and the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	writeError(log.Info, format, args...)
}

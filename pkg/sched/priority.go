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

package sched

import (
	"fmt"
)

// Priority is a task priority. Higher priorities always run first.
type Priority uint8

// Task priorities, lowest first.
const (
	Idle Priority = iota
	Low
	Normal
	High
	RealTime

	// NumPriorities is the number of priority levels.
	NumPriorities = int(RealTime) + 1
)

// byUrgency lists priorities from most to least urgent. This is the order
// in which ready lists are scanned.
var byUrgency = [NumPriorities]Priority{RealTime, High, Normal, Low, Idle}

// Index maps p to its ready list and its slot in Stats.Ready. The mapping
// is explicit so that the numeric values of Priority are free to change.
func (p Priority) Index() int {
	switch p {
	case Idle:
		return 0
	case Low:
		return 1
	case Normal:
		return 2
	case High:
		return 3
	case RealTime:
		return 4
	}
	panic(fmt.Sprintf("invalid priority %d", uint8(p)))
}

// PriorityAt is the inverse of Priority.Index.
func PriorityAt(i int) Priority {
	for _, p := range byUrgency {
		if p.Index() == i {
			return p
		}
	}
	panic(fmt.Sprintf("invalid priority index %d", i))
}

// Valid returns true if p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p <= RealTime
}

// TimeSlice returns the default time slice of p, in ticks.
func (p Priority) TimeSlice() uint32 {
	return defaultTimeSlices[p.Index()]
}

var defaultTimeSlices = [NumPriorities]uint32{
	1,  // Idle
	5,  // Low
	10, // Normal
	20, // High
	50, // RealTime
}

var priorityNames = [NumPriorities]string{"idle", "low", "normal", "high", "realtime"}

// String implements fmt.Stringer.String.
func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
	return priorityNames[p.Index()]
}

// ParsePriority parses a priority name as returned by Priority.String.
func ParsePriority(name string) (Priority, error) {
	for _, p := range byUrgency {
		if priorityNames[p.Index()] == name {
			return p, nil
		}
	}
	return Idle, fmt.Errorf("unknown priority %q", name)
}

// TimeSlices overrides the default time slice of each priority. Zero
// entries keep the default.
type TimeSlices map[Priority]uint32

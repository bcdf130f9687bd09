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

package kernel

import (
	"kcore.dev/kcore/pkg/privilege"
	"kcore.dev/kcore/pkg/sched"
)

// System call numbers, from the AArch64 Linux table.
const (
	SysExit       = 93
	SysSchedYield = 124
	SysGetpid     = 172
	SysGettid     = 178
)

// errnoENOSYS is returned, negated, for unknown system calls.
const errnoENOSYS = 38

// syscallFn implements a system call for task t, which may be nil. It
// returns the value placed in X0.
//
// Preconditions: k.mu is held.
type syscallFn func(k *Kernel, t *sched.Task, args [privilege.NumSyscallArgs]uint64) uint64

type syscallEntry struct {
	name string
	fn   syscallFn
}

var syscallTable = map[uint64]syscallEntry{
	SysExit:       {"exit", sysExit},
	SysSchedYield: {"sched_yield", sysSchedYield},
	SysGetpid:     {"getpid", sysGetpid},
	SysGettid:     {"gettid", sysGetpid},
}

// SyscallName returns the name of system call nr, or "" if it has none.
func SyscallName(nr uint64) string {
	return syscallTable[nr].name
}

func negErrno(errno int64) uint64 {
	return uint64(-errno)
}

// syscall dispatches sc on behalf of t.
//
// Preconditions: k.mu is held.
func (k *Kernel) syscall(t *sched.Task, sc *privilege.Syscall) uint64 {
	e, ok := syscallTable[sc.Number]
	if !ok {
		k.stats.UnknownSyscalls++
		k.warn.Infof("Unknown system call %d from task %v", sc.Number, t)
		return negErrno(errnoENOSYS)
	}
	k.stats.Syscalls[e.name]++
	return e.fn(k, t, sc.Args)
}

func sysExit(k *Kernel, t *sched.Task, args [privilege.NumSyscallArgs]uint64) uint64 {
	if t == nil || t == k.sched.IdleTask() {
		return 0
	}
	k.log.Debugf("Task %d exited with status %d", t.ID, int32(args[0]))
	if err := k.terminate(t.ID); err != nil {
		k.log.Warningf("Terminating task %d on exit: %v", t.ID, err)
	}
	return 0
}

func sysSchedYield(k *Kernel, _ *sched.Task, _ [privilege.NumSyscallArgs]uint64) uint64 {
	k.needResched = true
	return 0
}

// sysGetpid implements getpid and gettid: every task is its own process.
func sysGetpid(_ *Kernel, t *sched.Task, _ [privilege.NumSyscallArgs]uint64) uint64 {
	if t == nil {
		return 0
	}
	return uint64(t.ID)
}

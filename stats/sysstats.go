/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// SysStats collects process- and Go-runtime-level health gauges alongside
// the protocol counters, the ambient health surface any long-running daemon
// in this lineage carries regardless of what it's actually serving.
type SysStats struct {
	memstats *runtime.MemStats
}

// Collect gathers process CPU/memory and Go runtime/GC gauges.
func (s *SysStats) Collect() (map[string]uint64, error) {
	out := make(map[string]uint64)
	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("sysstats: inspect own process: %w", err)
	}
	out["process.uptime"] = uint64(time.Since(procStartTime).Seconds())

	if val, err := proc.MemoryInfo(); err == nil {
		out["process.rss"] = val.RSS
		out["process.vms"] = val.VMS
	}
	if val, err := proc.NumFDs(); err == nil {
		out["process.num_fds"] = uint64(val)
	}
	if val, err := proc.NumThreads(); err == nil {
		out["process.num_threads"] = uint64(val)
	}

	out["runtime.goroutines"] = uint64(runtime.NumGoroutine())
	out["runtime.mem.alloc"] = m.Alloc
	out["runtime.mem.heap_inuse"] = m.HeapInuse
	out["runtime.mem.gc.count"] = uint64(m.NumGC)
	out["runtime.mem.gc.pause_total_ns"] = m.PauseTotalNs

	if s.memstats != nil && m.NumGC >= s.memstats.NumGC {
		out["runtime.mem.gc.count_since_last_collect"] = uint64(m.NumGC - s.memstats.NumGC)
		out["runtime.mem.gc.pause_ns_since_last_collect"] = m.PauseTotalNs - s.memstats.PauseTotalNs
	}
	s.memstats = m
	return out, nil
}

// Package memmon implements the Memory Monitor (§4.J): periodic
// process sampling, watermark/trend tracking, a threshold-crossing
// alert state machine, and crash-context reconstruction. No
// process-inspection library appears anywhere in the retrieved corpus
// (see DESIGN.md), so sampling reads Linux procfs directly, matching
// the corpus's habit of reaching for the standard library when no
// ecosystem package covers a concern.
package memmon

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// clockTicksPerSec is Linux's USER_HZ, used to convert /proc/[pid]/stat
// utime+stime (in clock ticks) into seconds. 100 is the overwhelming
// default on every modern distribution; a platform where this doesn't
// hold would need sysconf(_SC_CLK_TCK), which cgo would be required to
// read — out of scope for a best-effort sampler.
const clockTicksPerSec = 100

// rawSample is one raw procfs reading for a PID, before it's folded into
// a Snapshot (which additionally carries the computed CPU percent).
type rawSample struct {
	residentBytes uint64
	heapUsed      uint64
	heapTotal     uint64
	externalBytes uint64
	utime         uint64
	stime         uint64
}

// processSampler reads procfs for one PID. Exists as an interface so
// tests can substitute a fake without touching /proc.
type processSampler interface {
	Sample(pid int) (rawSample, error)
	Alive(pid int) bool
}

type procfsSampler struct{}

func (procfsSampler) Alive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

func (procfsSampler) Sample(pid int) (rawSample, error) {
	var s rawSample

	statusPath := fmt.Sprintf("/proc/%d/status", pid)
	f, err := os.Open(statusPath)
	if err != nil {
		return s, fmt.Errorf("memmon: open %s: %w", statusPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			s.residentBytes = parseKBField(line) * 1024
		case strings.HasPrefix(line, "VmData:"):
			// Best-effort stand-in for heap usage: procfs has no
			// runtime-level heap accounting for an arbitrary process,
			// so VmData (the data segment, which includes the heap
			// for most allocators) is the closest proxy available.
			s.heapUsed = parseKBField(line) * 1024
		case strings.HasPrefix(line, "VmSize:"):
			s.heapTotal = parseKBField(line) * 1024
		}
	}

	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	statData, err := os.ReadFile(statPath)
	if err == nil {
		fields := strings.Fields(string(statData))
		// Fields 14 and 15 (1-indexed) are utime and stime; the comm
		// field (2) can contain spaces, but we only need indices far
		// enough right that a parenthesized comm won't shift them in
		// the overwhelming common case of a simple executable name.
		if idx := strings.LastIndex(string(statData), ")"); idx >= 0 {
			rest := strings.Fields(string(statData)[idx+1:])
			if len(rest) >= 13 {
				s.utime, _ = strconv.ParseUint(rest[11], 10, 64)
				s.stime, _ = strconv.ParseUint(rest[12], 10, 64)
			}
		}
		_ = fields
	}

	return s, nil
}

func parseKBField(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

func cpuPercent(prev, cur rawSample, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	deltaTicks := int64(cur.utime+cur.stime) - int64(prev.utime+prev.stime)
	if deltaTicks < 0 {
		deltaTicks = 0
	}
	deltaSeconds := float64(deltaTicks) / clockTicksPerSec
	return (deltaSeconds / elapsed.Seconds()) * 100
}

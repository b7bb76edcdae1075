//go:build linux

package procwatch

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// IsAlive reports whether pid names a running process by probing
// /proc/<pid>.
func IsAlive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Sample reads the CPU-time and I/O counters for pid from /proc.
func Sample(pid int) (Snapshot, error) {
	cpu, err := readCPUTicks(pid)
	if err != nil {
		return Snapshot{}, err
	}
	readBytes, writeBytes, err := readIOCounters(pid)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{CPUTimeTicks: cpu, IOReadBytes: readBytes, IOWriteBytes: writeBytes}, nil
}

// readCPUTicks parses utime (field 14) and stime (field 15) from
// /proc/<pid>/stat. The comm field (2) may itself contain spaces and
// parentheses, so parsing starts after the last ')'.
func readCPUTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("procwatch: read stat: %w", err)
	}

	line := string(data)
	idx := strings.LastIndex(line, ")")
	if idx < 0 || idx+2 >= len(line) {
		return 0, fmt.Errorf("procwatch: malformed stat line")
	}
	fields := strings.Fields(line[idx+2:])
	// fields[0] is field 3 (state); utime is field 14, i.e. fields[11].
	const utimeIdx, stimeIdx = 11, 12
	if len(fields) <= stimeIdx {
		return 0, fmt.Errorf("procwatch: stat line too short")
	}
	utime, err := strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("procwatch: parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("procwatch: parse stime: %w", err)
	}
	return utime + stime, nil
}

// readIOCounters parses rchar/wchar from /proc/<pid>/io.
func readIOCounters(pid int) (read, write uint64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return 0, 0, fmt.Errorf("procwatch: read io: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		var value uint64
		switch {
		case strings.HasPrefix(line, "rchar:"):
			if _, e := fmt.Sscanf(line, "rchar: %d", &value); e == nil {
				read = value
			}
		case strings.HasPrefix(line, "wchar:"):
			if _, e := fmt.Sscanf(line, "wchar: %d", &value); e == nil {
				write = value
			}
		}
	}
	return read, write, scanner.Err()
}

// DiskUtilization estimates %util for device (e.g. "sda") by sampling
// /proc/diskstats' field 13 (milliseconds spent doing I/O) through two
// calls to sampleFn and returning the fraction of intervalMs spent busy; it
// does not wait between the calls, so sampleFn supplies the delay. Used by the
// supervisor's fleet-scaling decision in section 4.8 step C.
func DiskUtilization(device string, sampleFn func() (ioMillis uint64, err error), intervalMs uint64) (float64, error) {
	before, err := sampleFn()
	if err != nil {
		return 0, err
	}
	after, err := sampleFn()
	if err != nil {
		return 0, err
	}
	if after < before || intervalMs == 0 {
		return 0, nil
	}
	busyMs := after - before
	util := float64(busyMs) / float64(intervalMs)
	if util > 1 {
		util = 1
	}
	return util, nil
}

// ReadDiskStatsIOMillis reads field 13 (ms spent doing I/O, cumulative) for
// device from /proc/diskstats.
func ReadDiskStatsIOMillis(device string) (uint64, error) {
	f, err := os.Open("/proc/diskstats")
	if err != nil {
		return 0, fmt.Errorf("procwatch: read diskstats: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 13 {
			continue
		}
		if fields[2] != device {
			continue
		}
		ms, err := strconv.ParseUint(fields[12], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("procwatch: parse io ticks for %s: %w", device, err)
		}
		return ms, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("procwatch: device %q not found in diskstats", device)
}

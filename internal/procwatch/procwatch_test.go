package procwatch

import "testing"

func TestSnapshot_Advanced(t *testing.T) {
	prev := Snapshot{CPUTimeTicks: 10, IOReadBytes: 100, IOWriteBytes: 50}

	cases := []struct {
		name string
		next Snapshot
		want bool
	}{
		{"no change", prev, false},
		{"cpu advanced", Snapshot{CPUTimeTicks: 11, IOReadBytes: 100, IOWriteBytes: 50}, true},
		{"read advanced", Snapshot{CPUTimeTicks: 10, IOReadBytes: 101, IOWriteBytes: 50}, true},
		{"write advanced", Snapshot{CPUTimeTicks: 10, IOReadBytes: 100, IOWriteBytes: 51}, true},
		{"regressed", Snapshot{CPUTimeTicks: 5, IOReadBytes: 50, IOWriteBytes: 10}, false},
	}
	for _, c := range cases {
		if got := c.next.Advanced(prev); got != c.want {
			t.Errorf("%s: Advanced() = %v, want %v", c.name, got, c.want)
		}
	}
}

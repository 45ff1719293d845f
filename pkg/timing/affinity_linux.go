//go:build linux

package timing

import "golang.org/x/sys/unix"

// pinCurrentThread restricts the calling OS thread to cpu.
func pinCurrentThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

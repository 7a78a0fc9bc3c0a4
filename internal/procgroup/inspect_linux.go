// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build linux

package procgroup

import "github.com/prometheus/procfs"

// GroupMembers returns the pids of every process in /proc whose process
// group (PGRP) equals pgid, used by the debug introspection endpoint to
// enumerate an agent's full process tree rather than just its leader.
func GroupMembers(pgid int) []int {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil
	}

	var members []int
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		if stat.PGRP == pgid {
			members = append(members, p.PID)
		}
	}
	return members
}

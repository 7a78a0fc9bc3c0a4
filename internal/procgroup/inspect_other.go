// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !linux

package procgroup

// GroupMembers is unsupported outside /proc-bearing systems; the debug
// introspection endpoint falls back to reporting only the known leader pid.
func GroupMembers(pgid int) []int {
	return nil
}

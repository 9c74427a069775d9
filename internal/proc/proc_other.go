//go:build !unix

package proc

import "os/exec"

// Without process groups only the direct child is killed on cancellation,
// which is exec.CommandContext's default.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) {}

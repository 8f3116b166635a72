package vcs

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"k8s.io/klog/v2"
)

// runCommand runs name in dir and returns its stdout. Exit statuses listed in
// okStatus are treated as success in addition to zero.
func runCommand(ctx context.Context, dir string, okStatus []int, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	klog.V(3).Infof("running %s %v in %s", name, args, dir)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			for _, code := range okStatus {
				if exitErr.ExitCode() == code {
					return stdout.Bytes(), nil
				}
			}
		}
		return nil, &CommandError{
			Command: append([]string{name}, args...),
			Dir:     dir,
			Stderr:  stderr.String(),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

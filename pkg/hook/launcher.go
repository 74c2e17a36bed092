// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// preloadVars are loader variables that would let another library interpose
// on the host's exports ahead of the C library.
var preloadVars = []string{
	"LD_PRELOAD",
	"LD_AUDIT",
	"DYLD_INSERT_LIBRARIES",
}

// hostCommand prepares, without starting, the host process described by
// opts. The host gets no stdio of its own so the first descriptor it opens
// is 3.
func hostCommand(opts Options) (*exec.Cmd, error) {
	path, err := exec.LookPath(opts.Program)
	if err != nil {
		return nil, fmt.Errorf("host program %q: %w", opts.Program, err)
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Env = hostEnv(os.Environ())
	return cmd, nil
}

// hostEnv copies environ without loader preload variables.
func hostEnv(environ []string) []string {
	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if isPreloadVar(name) {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func isPreloadVar(name string) bool {
	for _, v := range preloadVars {
		if name == v {
			return true
		}
	}
	return false
}

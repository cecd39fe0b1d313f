package auth

import (
	"fmt"
	"strings"
)

const (
	PermPipelineRun  = "pipeline.run"
	PermSessionRead  = "session.read"
	PermSessionWrite = "session.write"
	PermScenariosRun = "scenarios.run"
	PermRunsRead     = "runs.read"
	// PermAll grants every permission.
	PermAll = "*"
)

// Known lists every grantable permission.
var Known = []string{PermPipelineRun, PermSessionRead, PermSessionWrite, PermScenariosRun, PermRunsRead}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Allows reports whether granted covers perm. "session.*" covers every
// session permission; "*" covers everything.
func Allows(granted []string, perm string) bool {
	for _, g := range granted {
		g = strings.TrimSpace(g)
		switch {
		case g == PermAll, g == perm:
			return true
		case strings.HasSuffix(g, ".*") && strings.HasPrefix(perm, strings.TrimSuffix(g, "*")):
			return true
		}
	}
	return false
}

// Require returns ForbiddenError when granted does not cover perm.
func Require(granted []string, perm string) error {
	if Allows(granted, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// ValidatePermissions rejects permission ids that match nothing.
func ValidatePermissions(perms []string) error {
	for _, p := range perms {
		if p == PermAll {
			continue
		}
		ok := false
		for _, k := range Known {
			if Allows([]string{p}, k) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid permission %q", p)
		}
	}
	return nil
}

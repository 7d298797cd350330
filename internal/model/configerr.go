package model

import (
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrDetails flattens a CUE validation error into one human readable
// line per failing path, for logging before the process exits.
func CueErrDetails(err error) []string {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, e := range cueerrors.Errors(err) {
		msg, args := e.Msg()
		line := strings.TrimSpace(cueerrors.Details(e, nil))
		if line == "" {
			line = msg
			_ = args
		}
		path := strings.Join(e.Path(), ".")
		if path != "" {
			line = path + ": " + line
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

package worker

import (
	"fmt"
	"strconv"

	"github.com/kballard/go-shellquote"
)

// BuildCommand constructs the external command line for one of the three
// supported renderer kinds (spec §6 "Renderer invocation"). extraArgs is
// the job's free-form argument string, tokenized with shellquote.Split
// so quoted paths survive intact rather than being split on every space.
func BuildCommand(kind, exePath, projectPath string, start, end int, extraArgs string) ([]string, error) {
	extra, err := shellquote.Split(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse extra_args %q: %w", extraArgs, err)
	}

	var argv []string
	switch kind {
	case "A":
		argv = []string{exePath, "-i", "-f", "-x", "-m", "3",
			"-F", fmt.Sprintf("%d-%d", start, end), "-m", "14", "-V", "--", projectPath}
	case "B":
		argv = []string{exePath, "-range", fmt.Sprintf("%d-%d", start, end), projectPath}
	case "C":
		argv = []string{exePath, projectPath, "/render",
			"/start", strconv.Itoa(start), "/end", strconv.Itoa(end)}
	default:
		return nil, fmt.Errorf("unknown renderer kind %q", kind)
	}
	return append(argv, extra...), nil
}

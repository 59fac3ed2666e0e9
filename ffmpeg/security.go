package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// reservedFlags are owned by the runner; operator extra args may not override them.
var reservedFlags = map[string]bool{
	"-i":              true,
	"-y":              true,
	"-n":              true,
	"-f":              true,
	"-map":            true,
	"-progress":       true,
	"-filter_complex": true,
	"-ss":             true,
	"-t":              true,
	"-to":             true,
}

// SplitArgs splits an argument string without involving a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs checks operator-supplied extra arguments. exec never runs a
// shell, but metacharacters still signal a misconfigured value.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if reservedFlags[arg] {
			return fmt.Errorf("argument %s is managed by the export runner", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// ParseExtraArgs is SplitArgs followed by ValidateArgs.
func ParseExtraArgs(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	args, err := SplitArgs(command)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

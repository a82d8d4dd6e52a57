package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// ParseArgs validates local upload sources. Each path must be a regular
// file or a directory and may appear only once.
func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath
	seen := make(map[string]bool, len(args))

	for _, raw := range args {
		p := filepath.Clean(raw)
		if seen[p] {
			return nil, &ValidationError{Arg: raw, Cause: "given more than once"}
		}
		seen[p] = true

		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		var kind PathKind
		switch {
		case info.IsDir():
			kind = PathDir
		case info.Mode().IsRegular():
			kind = PathFile
		default:
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}

type SweepTarget int

const (
	SweepAll SweepTarget = iota
	SweepExpired
	SweepOrphans
)

// ParseSweepTarget maps the optional sweep argument to a target; no
// argument means both sweeps.
func ParseSweepTarget(args []string) (SweepTarget, error) {
	if len(args) == 0 {
		return SweepAll, nil
	}
	switch args[0] {
	case "all":
		return SweepAll, nil
	case "expired":
		return SweepExpired, nil
	case "orphans":
		return SweepOrphans, nil
	default:
		return 0, &ValidationError{Arg: args[0], Cause: "expected one of all, expired, orphans"}
	}
}

// ParseMinutes converts a fractional minute count into a TTL.
func ParseMinutes(raw string) (time.Duration, error) {
	minutes, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ValidationError{Arg: raw, Cause: "not a number"}
	}
	if minutes <= 0 {
		return 0, &ValidationError{Arg: raw, Cause: "must be positive"}
	}
	return time.Duration(minutes * float64(time.Minute)), nil
}

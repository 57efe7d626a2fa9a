// Package extscripts looks up hutch metadata through the engineering-tools
// helper scripts on the shared experiment filesystem. The scripts only exist
// on hosts with that filesystem mounted; elsewhere every call fails with
// ErrNoFilesystemAccess.
package extscripts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/klauer/pcdsdaq/logger"
)

// Hutches lists the known hutch names.
var Hutches = []string{"amo", "sxr", "xpp", "xcs", "mfx", "cxi", "mec", "tst"}

var (
	// ErrInvalidHutch indicates a hutch name outside the known set.
	ErrInvalidHutch = errors.New("invalid hutch name")

	// ErrNoFilesystemAccess indicates that the helper scripts are not
	// reachable, i.e. the shared experiment filesystem is not mounted.
	ErrNoFilesystemAccess = errors.New("no access to the experiment filesystem")
)

// DefaultTimeout bounds one helper script invocation when the caller's
// context carries no deadline.
const DefaultTimeout = 5 * time.Second

const scriptDir = "/reg/g/pcds/engineering_tools/%s/scripts/%s"

// Runner executes one external command and returns its combined standard
// output. It exists so tests can substitute script behavior.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

var runScript Runner = func(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// SetRunner replaces the script runner and returns the previous one.
func SetRunner(r Runner) Runner {
	prev := runScript
	runScript = r

	return prev
}

// CallScript runs one helper script and returns its output. Missing script
// files map to ErrNoFilesystemAccess; context deadline errors pass through.
func CallScript(ctx context.Context, name string, args ...string) (string, error) {
	return callScript(ctx, false, name, args...)
}

// CallScriptIgnoreExit runs one helper script like CallScript but keeps the
// captured output when the script itself exits nonzero. Some engineering
// tools print a usable result and still exit with a failure code.
func CallScriptIgnoreExit(ctx context.Context, name string, args ...string) (string, error) {
	return callScript(ctx, true, name, args...)
}

func callScript(ctx context.Context, ignoreExitCode bool, name string, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	logger.Debug("calling external script", "script", name, "args", args)

	out, err := runScript(ctx, name, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if ignoreExitCode && errors.As(err, &exitErr) {
			return out, nil
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", ErrNoFilesystemAccess, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		return "", fmt.Errorf("script %s failed: %w", name, err)
	}

	return out, nil
}

// ValidHutch reports whether name is a known hutch.
func ValidHutch(name string) bool {
	name = strings.ToLower(name)
	for _, hutch := range Hutches {
		if name == hutch {
			return true
		}
	}

	return false
}

// HutchName returns the hutch this host belongs to.
func HutchName(ctx context.Context) (string, error) {
	out, err := CallScript(ctx, fmt.Sprintf(scriptDir, "latest", "get_hutch_name"))
	if err != nil {
		return "", err
	}

	name := strings.ToLower(strings.TrimSpace(out))
	if !ValidHutch(name) {
		return "", fmt.Errorf("%w: script reported %q", ErrInvalidHutch, name)
	}

	return name, nil
}

// RunNumber returns the latest run number of the given hutch from the
// experiment database. When live is set the number of the run currently
// being taken is returned instead of the last completed one.
func RunNumber(ctx context.Context, hutch string, live bool) (int, error) {
	hutch = strings.ToLower(hutch)
	if !ValidHutch(hutch) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHutch, hutch)
	}

	args := []string{"-i", hutch}
	if live {
		args = append(args, "-l")
	}

	out, err := CallScript(ctx, fmt.Sprintf(scriptDir, hutch, "get_lastRun"), args...)
	if err != nil {
		return 0, err
	}

	number, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected run number output %q: %w", strings.TrimSpace(out), err)
	}

	return number, nil
}

package extscripts

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// withRunner substitutes the script runner for the duration of one test.
func withRunner(t *testing.T, r Runner) {
	t.Helper()

	prev := SetRunner(r)
	t.Cleanup(func() { SetRunner(prev) })
}

func TestHutchName(t *testing.T) {
	require := require.New(t)

	t.Run("TrimsAndLowercases", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			require.Contains(name, "get_hutch_name")
			return "XPP \n", nil
		})

		name, err := HutchName(context.Background())
		require.NoError(err)
		require.Equal("xpp", name)
	})

	t.Run("UnknownHutchRejected", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "cafeteria\n", nil
		})

		_, err := HutchName(context.Background())
		require.ErrorIs(err, ErrInvalidHutch)
	})
}

func TestRunNumber(t *testing.T) {
	require := require.New(t)

	t.Run("ParsesOutput", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			require.Contains(name, "get_lastRun")
			require.Equal([]string{"-i", "mfx"}, args)

			return " 1234\n", nil
		})

		number, err := RunNumber(context.Background(), "MFX", false)
		require.NoError(err)
		require.Equal(1234, number)
	})

	t.Run("LiveAppendsFlag", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			require.Equal([]string{"-i", "xpp", "-l"}, args)
			return "17\n", nil
		})

		number, err := RunNumber(context.Background(), "xpp", true)
		require.NoError(err)
		require.Equal(17, number)
	})

	t.Run("InvalidHutchFailsWithoutRunning", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			t.Fatal("script must not run for an invalid hutch")
			return "", nil
		})

		_, err := RunNumber(context.Background(), "cafeteria", false)
		require.ErrorIs(err, ErrInvalidHutch)
	})

	t.Run("GarbageOutput", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "not a number", nil
		})

		_, err := RunNumber(context.Background(), "tst", false)
		require.Error(err)
		require.NotErrorIs(err, ErrNoFilesystemAccess)
	})
}

func TestCallScriptErrors(t *testing.T) {
	require := require.New(t)

	t.Run("MissingScriptMeansNoFilesystem", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "", fs.ErrNotExist
		})
		_, err := CallScript(context.Background(), "/no/such/script")
		require.ErrorIs(err, ErrNoFilesystemAccess)

		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "", exec.ErrNotFound
		})
		_, err = CallScript(context.Background(), "missing-binary")
		require.ErrorIs(err, ErrNoFilesystemAccess)
	})

	t.Run("DeadlinePassesThrough", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			<-ctx.Done()
			return "", errors.New("killed")
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := CallScript(ctx, "slow-script")
		require.ErrorIs(err, context.DeadlineExceeded)
	})

	t.Run("IgnoreExitKeepsOutput", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "partial output\n", &exec.ExitError{}
		})

		out, err := CallScriptIgnoreExit(context.Background(), "flaky-script")
		require.NoError(err)
		require.Equal("partial output\n", out)

		// the plain variant still reports the failure
		_, err = CallScript(context.Background(), "flaky-script")
		require.Error(err)
	})

	t.Run("IgnoreExitStillReportsMissingScript", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "", fs.ErrNotExist
		})

		_, err := CallScriptIgnoreExit(context.Background(), "/no/such/script")
		require.ErrorIs(err, ErrNoFilesystemAccess)
	})

	t.Run("OtherFailuresKeepScriptName", func(t *testing.T) {
		withRunner(t, func(ctx context.Context, name string, args ...string) (string, error) {
			return "", errors.New("exit status 1")
		})

		_, err := CallScript(context.Background(), "flaky-script")
		require.Error(err)
		require.True(strings.Contains(err.Error(), "flaky-script"))
	})
}

func TestValidHutch(t *testing.T) {
	require := require.New(t)

	for _, hutch := range Hutches {
		require.True(ValidHutch(hutch))
		require.True(ValidHutch(strings.ToUpper(hutch)))
	}
	require.False(ValidHutch(""))
	require.False(ValidHutch("lcls"))
}

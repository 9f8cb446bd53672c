package tools

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutputAndExitCodes(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := ExecRunner{}

	res, err := r.Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "cat; echo \"$ALIVE_TEST\"; echo oops >&2"},
		Env:   []string{"ALIVE_TEST=hello"},
		Stdin: []byte("in:"),
	})
	require.NoError(t, err)
	require.Equal(t, "in:hello", strings.TrimSpace(string(res.Stdout)))
	require.Equal(t, "oops", strings.TrimSpace(string(res.Stderr)))
	require.Zero(t, res.ExitCode)

	res, err = r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.Error(t, err)
	require.EqualValues(t, 3, res.ExitCode)

	res, err = r.Run(context.Background(), Command{Name: "definitely-not-a-binary-alive"})
	require.Error(t, err)
	require.EqualValues(t, 127, res.ExitCode)
}

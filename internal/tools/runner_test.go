package tools

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordRunner struct {
	calls []string
	code  int32
}

func (r *recordRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	if r.code != 0 {
		return nil, []byte("RTNETLINK answers: Operation not permitted\n"), r.code, errors.New("exit")
	}
	return []byte("ok"), nil, 0, nil
}

func TestPrefixRunnerPrependsPrefix(t *testing.T) {
	rec := &recordRunner{}
	r := PrefixRunner{Prefix: []string{"sudo", "-n"}, Runner: rec}
	_, _, _, err := r.Run("tc", "qdisc", "show")
	require.NoError(t, err)
	require.Equal(t, []string{"sudo -n tc qdisc show"}, rec.calls)
}

func TestRunCheckedWrapsFailure(t *testing.T) {
	rec := &recordRunner{code: 2}
	_, err := RunChecked(rec, "tc", "qdisc", "add")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, int32(2), cmdErr.ExitCode)
	require.Contains(t, cmdErr.Error(), "Operation not permitted")
}

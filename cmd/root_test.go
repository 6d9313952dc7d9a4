package cmd

import (
	"fmt"
	"testing"

	"github.com/lokegud/Paradelala/types"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{types.ErrAlreadyRunning, exitAlreadyRunning},
		{fmt.Errorf("pid 42: %w", types.ErrAlreadyRunning), exitAlreadyRunning},
		{types.ErrPeerUnreachable, exitConnectivity},
		{types.ErrAuthenticationRejected, exitConnectivity},
		{types.ErrPortInUse, exitConnectivity},
		{types.ErrNotFound, exitConfigError},
		{&types.ConfigValidationError{Field: "role", Reason: "required"}, exitConfigError},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

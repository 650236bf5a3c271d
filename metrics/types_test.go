package metrics

import (
	"testing"
)

func TestPolicyString(t *testing.T) {
	cases := map[Policy]string{
		PolicyNone:      "none",
		PolicySet:       "set",
		PolicySum:       "sum",
		PolicyStopwatch: "stopwatch",
		PolicyHistogram: "histogram",
		Policy(99):      "none",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Policy(%d).String() = %q, want %q", p, got, want)
		}
	}
}

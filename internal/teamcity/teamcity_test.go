package teamcity

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.TestSuiteStarted("PR-7")
	l.TestStarted("build")
	l.TestFailed("build", errors.New("exit status 1: can't find [crate]\nfor `clippy`|"))
	l.TestFinished("build", 1500*time.Millisecond)
	l.TestIgnored("benchmark", "build failed")
	l.TestSuiteFinished("PR-7", time.Minute)

	want := `##teamcity[testSuiteStarted name='PR-7']
##teamcity[testStarted name='build']
##teamcity[testFailed name='build' message='exit status 1: can|'t find |[crate|]|nfor ` + "`clippy`" + `||']
##teamcity[testFinished name='build' duration='1500']
##teamcity[testIgnored name='benchmark' message='build failed']
##teamcity[testSuiteFinished name='PR-7' duration='60000']
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

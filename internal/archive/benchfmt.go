package archive

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// WriteBenchmarks writes the duration of every stage that ran as a line in
// the Go benchmark format, so runs can be compared with benchstat:
//
//	BenchmarkStage/build/change 1 5400000000000 ns/op
func (m *Manifest) WriteBenchmarks(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "change: %d\nrun: %s\n", m.Change, m.RunID)
	if m.TargetRevision != "" {
		fmt.Fprintf(bw, "target: %s\n", m.TargetRevision)
	}
	for _, s := range m.Stages {
		if s.Outcome != OutcomeOK {
			continue
		}
		name := strings.ReplaceAll(s.Name, " ", "_")
		fmt.Fprintf(bw, "BenchmarkStage/%s 1 %d ns/op\n", name, s.Duration.Nanoseconds())
	}
	return bw.Flush()
}

package teamcity

import (
	"fmt"
	"io"
	"strings"
	"time"
)

type Logger struct {
	writer io.Writer
}

func NewLogger(writer io.Writer) *Logger {
	return &Logger{writer: writer}
}

var escaper = strings.NewReplacer(
	"|", "||",
	"'", "|'",
	"\n", "|n",
	"\r", "|r",
	"[", "|[",
	"]", "|]",
)

func escape(s string) string {
	return escaper.Replace(s)
}

func (l *Logger) TestSuiteStarted(name string) {
	fmt.Fprintf(l.writer, "##teamcity[testSuiteStarted name='%s']\n", escape(name))
}

func (l *Logger) TestSuiteFinished(name string, duration time.Duration) {
	fmt.Fprintf(l.writer, "##teamcity[testSuiteFinished name='%s' duration='%d']\n", escape(name), duration.Milliseconds())
}

func (l *Logger) TestStarted(name string) {
	fmt.Fprintf(l.writer, "##teamcity[testStarted name='%s']\n", escape(name))
}

func (l *Logger) TestFailed(name string, err error) {
	fmt.Fprintf(l.writer, "##teamcity[testFailed name='%s' message='%s']\n", escape(name), escape(err.Error()))
}

func (l *Logger) TestIgnored(name, reason string) {
	fmt.Fprintf(l.writer, "##teamcity[testIgnored name='%s' message='%s']\n", escape(name), escape(reason))
}

func (l *Logger) TestFinished(name string, duration time.Duration) {
	fmt.Fprintf(l.writer, "##teamcity[testFinished name='%s' duration='%d']\n", escape(name), duration.Milliseconds())
}

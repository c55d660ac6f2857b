package harness

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// Report counts the checks of one task. Tasks never share a Report; the
// runner merges them once every task has finished.
type Report struct {
	Total    int
	OK       int
	Failures []string

	out io.Writer
}

func newReport(out io.Writer) *Report {
	if out == nil {
		out = io.Discard
	}
	return &Report{out: out}
}

// Check records one named check and echoes its outcome.
func (r *Report) Check(name string, ok bool) bool {
	r.Total++
	if ok {
		r.OK++
		fmt.Fprintf(r.out, "%s: %s\n", name, okStyle.Render("ok"))
		return true
	}
	r.Failures = append(r.Failures, name)
	fmt.Fprintf(r.out, "%s: %s\n", name, failedStyle.Render("FAILED"))
	return false
}

// CheckErr records a check that passes when err is nil.
func (r *Report) CheckErr(name string, err error) bool {
	if err != nil {
		name = fmt.Sprintf("%s (%v)", name, err)
	}
	return r.Check(name, err == nil)
}

func (r *Report) Merge(other *Report) {
	r.Total += other.Total
	r.OK += other.OK
	r.Failures = append(r.Failures, other.Failures...)
}

func (r *Report) Passed() bool {
	return r.Total > 0 && r.OK == r.Total
}

// Summary renders the line printed at the end of a run.
func (r *Report) Summary() string {
	if r.Total == 0 {
		return "no test performed"
	}
	return fmt.Sprintf("test results: total=%d, ok=%d(%d%%)", r.Total, r.OK, r.OK*100/r.Total)
}

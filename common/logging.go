// Package common provides centralized logging infrastructure for the
// metering engine, built on logrus with output stream separation so
// error-level entries land on stderr and everything else on stdout —
// the split container log collectors expect.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout by
// content, so logrus's own formatter (text or JSON) doesn't need to know
// about stream separation.
type OutputSplitter struct{}

// Write implements io.Writer, routing error-level lines (text
// "level=error" or JSON "level":"error") to stderr and everything else
// to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-level logger every component logs through unless
// it builds its own via NewLogger (e.g. to honor a configured level or
// format). cli.newLogger replaces this with a configured instance at
// startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

package log

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "segos",
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Named returns a sub-logger for a kernel component, eg. "cpu0" or "aio".
func Named(component string) hclog.Logger {
	return L.Named(component)
}

// SetOutput rebuilds L to write to w, keeping the current level.
func SetOutput(w io.Writer) {
	level := L.GetLevel()

	L = hclog.New(&hclog.LoggerOptions{
		Name:   "segos",
		Output: w,
		Level:  level,
	})
}

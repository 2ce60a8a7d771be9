// Package commands implements the forge CLI subcommands.
package commands

import (
	"io"
	"os"
)

// Flags holds global flags shared by every subcommand.
type Flags struct {
	LogLevel  string
	LogFormat string

	// Out receives command output; nil means stdout.
	Out io.Writer
}

func (f *Flags) out() io.Writer {
	if f.Out == nil {
		return os.Stdout
	}
	return f.Out
}

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/palmid/internal/palmerr"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	faint  = color.New(color.Faint)
)

func success(cmd *cobra.Command, format string, a ...any) {
	green.Fprintf(cmd.OutOrStdout(), "✓ "+format+"\n", a...)
}

func warning(cmd *cobra.Command, format string, a ...any) {
	yellow.Fprintf(cmd.ErrOrStderr(), "⚠️  "+format+"\n", a...)
}

// reportedError marks an error that was already printed.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// fail prints a titled error with the palm error kind and returns err for
// cobra's exit status.
func fail(cmd *cobra.Command, title string, err error) error {
	red.Fprintf(cmd.ErrOrStderr(), "%s\n", title)
	if kind := palmerr.KindOf(err); kind != palmerr.KindUnknown {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s (code %d)\n", kind, kind.Code())
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", err)
	return &reportedError{err: err}
}

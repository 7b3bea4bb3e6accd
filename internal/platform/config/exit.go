package config

import (
	"fmt"
	"os"
)

// Exitf reports a fatal startup error on stderr and exits with status 1.
func Exitf(format string, args ...any) {
	ExitCodef(1, format, args...)
}

// ExitCodef reports a fatal error on stderr and exits with code.
func ExitCodef(code int, format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

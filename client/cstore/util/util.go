package util

import (
	"os"

	"golang.org/x/term"
)

/*
Package util contains output helpers for the cstore command line client.
*/

////////////////////////////////////////////////////////////////////////////////

const defaultTermWidth = 80

// StdoutRedirected returns true if stdout is redirected to a file or pipe.
func StdoutRedirected() bool {
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

func termWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultTermWidth
	}
	return width
}

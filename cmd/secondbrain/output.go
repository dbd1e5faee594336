package main

import (
	"fmt"
	"os"
)

// ANSI escapes for terminal output. All status output goes to stderr so
// command results on stdout stay pipeable.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// statusLine prints a glyph-prefixed message in the given color.
func statusLine(color, glyph, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(color, glyph+" "+msg))
}

func printSuccess(format string, args ...any) {
	statusLine(colorGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	statusLine(colorRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	statusLine(colorYellow, "⚠", format, args...)
}

func printStep(format string, args ...any) {
	statusLine(colorCyan, "→", format, args...)
}

// printStatus prints an indented label/value pair, label in bold.
func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), val)
}

// Package ui provides console styling for host output
package ui

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

const (
	reset = "\033[0m"
	dim   = "\033[2m"
	cyan  = "\033[36m"
	red   = "\033[31m"
)

// Style decorates lines for one output stream. Color is used only on a
// terminal and only when NO_COLOR (https://no-color.org/) is unset.
type Style struct {
	terminal bool
	color    bool
}

// Detect returns the style for f
func Detect(f *os.File) Style {
	terminal := term.IsTerminal(int(f.Fd()))
	return Style{
		terminal: terminal,
		color:    terminal && os.Getenv("NO_COLOR") == "",
	}
}

// Plain is a style without color
var Plain = Style{}

var stdout = Detect(os.Stdout)

// Terminal reports whether the stream is a terminal
func (s Style) Terminal() bool { return s.terminal }

// Colored reports whether lines are wrapped in ANSI codes
func (s Style) Colored() bool { return s.color }

func (s Style) paint(code, text string) string {
	if !s.color {
		return text
	}
	return code + text + reset
}

// Message formats an inbound session message as "<from> text"
func (s Style) Message(from, text string) string {
	return fmt.Sprintf("%s %s", s.paint(cyan, "<"+from+">"), text)
}

// Notice formats a connection status line
func (s Style) Notice(text string) string {
	return s.paint(dim, "-- "+text)
}

// Failure formats an error line
func (s Style) Failure(text string) string {
	return s.paint(red, "!! "+text)
}

// Message formats a session message for stdout
func Message(from, text string) string { return stdout.Message(from, text) }

// Notice formats a status line for stdout
func Notice(text string) string { return stdout.Notice(text) }

// Failure formats an error line for stdout
func Failure(text string) string { return stdout.Failure(text) }

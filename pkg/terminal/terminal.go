/*
Copyright 2025 Hare Krishna Rai

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package terminal

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"golang.org/x/term"
)

// ColorLevel represents the terminal's color capability
type ColorLevel int

const (
	// ColorLevelNone represents no color support
	ColorLevelNone ColorLevel = iota
	// ColorLevelBasic represents 16-color support
	ColorLevelBasic
	// ColorLevel256 represents 256-color support
	ColorLevel256
	// ColorLevelTrueColor represents 24-bit true color support
	ColorLevelTrueColor
)

// Terminal describes where report output goes and what it can render
type Terminal struct {
	out        io.Writer
	width      int
	colorLevel ColorLevel
	isTTY      bool
}

var (
	stdoutTerminal     *Terminal
	stdoutTerminalOnce sync.Once
)

// New inspects out. Only an *os.File attached to a terminal is a TTY.
func New(out io.Writer) *Terminal {
	t := &Terminal{out: out, width: 80}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.isTTY = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			t.width = width
		}
		// Windows consoles need ANSI translation
		t.out = colorable.NewColorable(f)
	}
	t.colorLevel = detectColorLevel()
	return t
}

// Stdout returns the terminal for standard output
func Stdout() *Terminal {
	stdoutTerminalOnce.Do(func() {
		stdoutTerminal = New(os.Stdout)
	})
	return stdoutTerminal
}

// Writer returns the writer output should go through
func (t *Terminal) Writer() io.Writer {
	return t.out
}

// IsTTY reports whether the output is an interactive terminal
func (t *Terminal) IsTTY() bool {
	return t.isTTY
}

// Width returns the terminal width, 80 when unknown
func (t *Terminal) Width() int {
	return t.width
}

// ColorLevel returns the detected color capability
func (t *Terminal) ColorLevel() ColorLevel {
	return t.colorLevel
}

// ColorEnabled reports whether ANSI colors should be emitted
func (t *Terminal) ColorEnabled() bool {
	return t.isTTY && t.colorLevel > ColorLevelNone
}

// detectColorLevel determines the terminal's color capability
func detectColorLevel() ColorLevel {
	if os.Getenv("NO_COLOR") != "" {
		return ColorLevelNone
	}

	termName := os.Getenv("TERM")
	colorTerm := os.Getenv("COLORTERM")

	if colorTerm == "truecolor" || colorTerm == "24bit" {
		return ColorLevelTrueColor
	}
	if strings.Contains(termName, "256") {
		return ColorLevel256
	}
	if strings.HasPrefix(termName, "xterm") ||
		strings.HasPrefix(termName, "screen") ||
		strings.HasPrefix(termName, "tmux") ||
		termName == "alacritty" ||
		termName == "kitty" {
		return ColorLevel256
	}
	if termName != "" && termName != "dumb" {
		return ColorLevelBasic
	}
	return ColorLevelNone
}

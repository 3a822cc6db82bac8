package shell

import (
	"bytes"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is a simple command found in a run script
type Command struct {
	Name string
	Args []string
	// Line is 1-based within the script
	Line int
	Text string
}

// Parse parses a shell script and returns a syntax tree
func Parse(script string) (*syntax.File, error) {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Commands returns every simple command of script in source order,
// including those nested in pipelines, lists, conditionals and
// substitutions. Scripts that do not parse yield an error.
func Commands(script string) ([]Command, error) {
	file, err := Parse(script)
	if err != nil {
		return nil, err
	}

	printer := syntax.NewPrinter()
	var cmds []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}

		var buf bytes.Buffer
		if err := printer.Print(&buf, call); err != nil {
			return true
		}
		cmd := Command{
			Name: wordText(call.Args[0]),
			Line: int(call.Pos().Line()),
			Text: buf.String(),
		}
		for _, arg := range call.Args[1:] {
			cmd.Args = append(cmd.Args, wordText(arg))
		}
		cmds = append(cmds, cmd)
		return true
	})
	return cmds, nil
}

// wordText returns the literal value of a word, or its source form when it
// contains expansions
func wordText(w *syntax.Word) string {
	if lit := w.Lit(); lit != "" {
		return lit
	}
	var buf bytes.Buffer
	syntax.NewPrinter().Print(&buf, w)
	return buf.String()
}

// ExecutesLocalFile reports whether the command runs a file from the
// working directory, directly or through source / a shell interpreter
func (c Command) ExecutesLocalFile() bool {
	if isLocalPath(c.Name) {
		return true
	}
	switch c.Name {
	case "source", ".", "bash", "sh", "zsh", "python", "python3", "node":
		return len(c.Args) > 0 && isLocalPath(c.Args[0])
	}
	return false
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../")
}

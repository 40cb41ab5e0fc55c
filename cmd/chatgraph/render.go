package main

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

const wordWrap = 100

// markdown renders assistant replies for the terminal. It falls back to the raw text when the
// renderer can't be built or fails.
type markdown struct {
	r *glamour.TermRenderer
}

func newMarkdown() *markdown {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		return &markdown{}
	}
	return &markdown{r: r}
}

func (m *markdown) Render(src string) string {
	if m.r == nil {
		return src + "\n"
	}
	out, err := m.r.Render(src)
	if err != nil {
		return src + "\n"
	}
	return strings.TrimLeft(out, "\n")
}

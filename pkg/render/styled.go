package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/nixh/nixh/pkg/session"
)

// palette maps line kinds to styles for one output.
type palette map[kind]lipgloss.Style

// styled is the one Renderer implementation; the tiers differ in colour
// profile, palette and whether bodies go through glamour.
type styled struct {
	name     string
	profile  termenv.Profile
	palette  func(r *lipgloss.Renderer) palette
	markdown bool
	wrap     int
}

// Rich renders with colour and markdown bodies.
func Rich() Renderer {
	return &styled{name: TierRich, profile: termenv.ANSI256, palette: richPalette, markdown: true, wrap: 80}
}

// Basic renders with bold and faint text only.
func Basic() Renderer {
	return &styled{name: TierBasic, profile: termenv.ANSI, palette: basicPalette}
}

// Plain renders text without any escape codes.
func Plain() Renderer {
	return &styled{name: TierPlain, profile: termenv.Ascii, palette: func(*lipgloss.Renderer) palette { return palette{} }}
}

func (s *styled) Name() string { return s.name }

func (s *styled) renderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(s.profile)
	return r
}

func (s *styled) Response(w io.Writer, resp session.Response) error {
	r := s.renderer(w)
	p := s.palette(r)

	var b strings.Builder
	for _, l := range layout(resp) {
		text := l.text
		switch l.kind {
		case kindBody:
			text = s.body(text)
		case kindChoice:
			text = "  " + text
		}
		b.WriteString(strings.TrimRight(p.render(l.kind, text), "\n"))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// body renders command output. Instructions are already a markdown list;
// anything else is shown verbatim in a code block.
func (s *styled) body(text string) string {
	if !s.markdown {
		return text
	}
	md := text
	if !strings.HasPrefix(text, "To do this by hand:") {
		md = "```\n" + text + "\n```"
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(s.wrap),
	)
	if err != nil {
		return text
	}
	out, err := tr.Render(md)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

func (s *styled) Table(w io.Writer, t Table) error {
	r := s.renderer(w)
	p := s.palette(r)

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	if t.Title != "" {
		b.WriteString(p.render(kindTitle, t.Title))
		b.WriteByte('\n')
	}
	b.WriteString(p.render(kindNote, cells(t.Headers, widths)))
	b.WriteByte('\n')
	for _, row := range t.Rows {
		b.WriteString(cells(row, widths))
		b.WriteByte('\n')
	}
	_, err := fmt.Fprint(w, b.String())
	return err
}

func (p palette) render(k kind, text string) string {
	if st, ok := p[k]; ok {
		return st.Render(text)
	}
	return text
}

func cells(row []string, widths []int) string {
	parts := make([]string, 0, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		parts = append(parts, cell+strings.Repeat(" ", w-lipgloss.Width(cell)))
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}

func richPalette(r *lipgloss.Renderer) palette {
	return palette{
		kindTitle:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")),
		kindNote:   r.NewStyle().Foreground(lipgloss.Color("3")),
		kindOK:     r.NewStyle().Foreground(lipgloss.Color("2")),
		kindFail:   r.NewStyle().Foreground(lipgloss.Color("1")),
		kindWarn:   r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		kindChoice: r.NewStyle().Foreground(lipgloss.Color("4")),
		kindHint:   r.NewStyle().Faint(true),
	}
}

func basicPalette(r *lipgloss.Renderer) palette {
	return palette{
		kindTitle: r.NewStyle().Bold(true),
		kindNote:  r.NewStyle().Bold(true),
		kindFail:  r.NewStyle().Bold(true),
		kindWarn:  r.NewStyle().Bold(true),
		kindHint:  r.NewStyle().Faint(true),
	}
}

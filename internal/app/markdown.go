package app

import "github.com/charmbracelet/glamour"

// noMarginStyle removes glamour's document margins so entries sit flush
// inside the pane border. It inherits everything else from auto style.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// markdownRenderer wraps glamour with pane-width word wrap.
type markdownRenderer struct {
	renderer *glamour.TermRenderer
	width    int
}

func newMarkdownRenderer(width int) (*markdownRenderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &markdownRenderer{renderer: r, width: width}, nil
}

// Render transforms markdown to styled terminal output. On failure the
// source text is returned unstyled.
func (r *markdownRenderer) Render(markdown string) string {
	out, err := r.renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}

// Package render converts Markdown reports into standalone HTML pages.
package render

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	displayMath = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	inlineMath  = regexp.MustCompile(`\$([^$\n]+)\$`)
	placeholder = regexp.MustCompile(`MATHPH(\d+)X`)
)

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}}</title>
<script>
window.MathJax = {tex: {inlineMath: [['\\(', '\\)']], displayMath: [['\\[', '\\]']]}};
</script>
<script id="MathJax-script" async src="https://cdn.jsdelivr.net/npm/mathjax@3/es5/tex-mml-chtml.js"></script>
<style>
body { font-family: sans-serif; margin: 40px; line-height: 1.7; color: #333; background: #fafafa; }
.container { max-width: 860px; margin: 0 auto; background: #fff; padding: 40px; border-radius: 8px; }
h1 { border-bottom: 3px solid #3498db; padding-bottom: 12px; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 8px; }
.math-display { text-align: center; margin: 1em 0; }
</style>
</head>
<body>
<div class="container">
{{.Body}}
</div>
</body>
</html>
`))

type Renderer struct {
	md goldmark.Markdown
}

func New() *Renderer {
	return &Renderer{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

// HTML renders markdown into a full page. Math between $$ or $ delimiters is
// kept verbatim for MathJax.
func (r *Renderer) HTML(title, markdown string) ([]byte, error) {
	var spans []string
	protect := func(pre, post string) func(string) string {
		return func(m string) string {
			inner := strings.Trim(m, "$")
			spans = append(spans, pre+html.EscapeString(inner)+post)
			return "MATHPH" + strconv.Itoa(len(spans)-1) + "X"
		}
	}
	src := displayMath.ReplaceAllStringFunc(markdown, protect(`<div class="math-display">\[`, `\]</div>`))
	src = inlineMath.ReplaceAllStringFunc(src, protect(`<span class="math-inline">\(`, `\)</span>`))

	var body bytes.Buffer
	if err := r.md.Convert([]byte(src), &body); err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}
	rendered := placeholder.ReplaceAllStringFunc(body.String(), func(m string) string {
		i, err := strconv.Atoi(placeholder.FindStringSubmatch(m)[1])
		if err != nil || i >= len(spans) {
			return m
		}
		return spans[i]
	})

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{Title: title, Body: template.HTML(rendered)})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return out.Bytes(), nil
}

// RenderFile writes an .html page next to the Markdown file at path and
// returns its location.
func (r *Renderer) RenderFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read report %q: %w", path, err)
	}
	out, err := r.HTML(Title(path), string(data))
	if err != nil {
		return "", err
	}
	target := strings.TrimSuffix(path, filepath.Ext(path)) + ".html"
	if err := os.WriteFile(target, out, 0o644); err != nil {
		return "", fmt.Errorf("write html %q: %w", target, err)
	}
	return target, nil
}

// Title derives a page title from a report file name.
func Title(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

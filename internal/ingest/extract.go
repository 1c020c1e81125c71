package ingest

import (
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ExtractPDF reads a PDF file and returns its plain text.
func ExtractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, reader); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// skipElements are HTML elements whose text content is never document text.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
}

// ExtractHTML strips an HTML document to its title and visible text. Block
// boundaries become newlines so paragraphs survive tokenization.
func ExtractHTML(r io.Reader) (title, text string, err error) {
	z := html.NewTokenizer(r)

	var sb strings.Builder
	var inTitle bool
	var skipDepth int

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return title, collapseBlankLines(sb.String()), nil
			}
			return "", "", fmt.Errorf("tokenizing html: %w", z.Err())

		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "title":
				inTitle = true
			case skipElements[tag]:
				skipDepth++
			case isBlockElement(tag):
				sb.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "title":
				inTitle = false
			case skipElements[tag] && skipDepth > 0:
				skipDepth--
			case isBlockElement(tag):
				sb.WriteByte('\n')
			}

		case html.TextToken:
			t := string(z.Text())
			if inTitle {
				title = strings.TrimSpace(t)
				continue
			}
			if skipDepth == 0 {
				sb.WriteString(t)
			}
		}
	}
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article", "table":
		return true
	}
	return false
}

// collapseBlankLines trims each line and squeezes runs of blank lines.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

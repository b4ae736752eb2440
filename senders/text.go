package senders

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var (
	whitespace = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "ul": true, "table": true,
}

// PlainText renders the readable text of an HTML document, one block per line.
func PlainText(doc string) string {
	root, err := htmlquery.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}
	body := htmlquery.FindOne(root, "//body")
	if body == nil {
		body = root
	}

	buf := new(bytes.Buffer)
	dig(body, buf)
	return compact(buf.String())
}

func dig(n *html.Node, buf *bytes.Buffer) {
	if n == nil {
		return
	}
	switch {
	case n.Type == html.TextNode:
		buf.WriteString(n.Data)
	case n.Type == html.ElementNode && n.Data == "a":
		text := htmlquery.InnerText(n)
		href := htmlquery.SelectAttr(n, "href")
		buf.WriteString(text)
		if href != "" && href != strings.TrimSpace(text) {
			buf.WriteString(" (" + href + ")")
		}
		return
	case n.Type == html.ElementNode && (n.Data == "style" || n.Data == "script"):
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		dig(c, buf)
	}
	if n.Type == html.ElementNode && blockElements[n.Data] {
		buf.WriteString("\n")
	} else if n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th") {
		buf.WriteString(" ")
	}
}

func compact(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Package extract turns page HTML captured over the protocol into readable
// output: Markdown of the whole document, or the main article text.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"

	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

// Format selects the rendering of a page.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// ParseFormat accepts "html", "markdown" (or "md") and "text".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html":
		return FormatHTML, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "text", "txt":
		return FormatText, nil
	}
	return "", fmt.Errorf("extract: unknown format %q", s)
}

// Page is a rendered page.
type Page struct {
	Title     string
	URL       string
	Byline    string
	Format    Format
	Content   string
	Truncated bool
}

// String renders the page with a short header, as printed by the CLI.
func (p Page) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", p.Title)
	if p.Byline != "" {
		fmt.Fprintf(&b, "Author: %s\n", p.Byline)
	}
	fmt.Fprintf(&b, "URL: %s\n\n---\n\n", p.URL)
	b.WriteString(p.Content)
	if p.Truncated {
		b.WriteString("\n\n[Content truncated...]")
	}
	return b.String()
}

// Render converts html from pageURL into format. Markdown conversion falls
// back to the readability text when the converter fails. maxLen <= 0 keeps
// everything.
func Render(html, pageURL, title string, format Format, maxLen int) (Page, error) {
	p := Page{Title: title, URL: pageURL, Format: format}

	switch format {
	case FormatHTML:
		p.Content = html
	case FormatMarkdown:
		md, err := htmltomd.ConvertString(html)
		if err == nil {
			p.Content = strings.TrimSpace(md)
			break
		}
		L_warn("extract: html-to-markdown failed, falling back to readability", "url", pageURL, "error", err)
		p.Format = FormatText
		fallthrough
	case FormatText:
		article, err := Readable(html, pageURL)
		if err != nil {
			return Page{}, err
		}
		p.Content = strings.TrimSpace(article.TextContent)
		p.Byline = article.Byline
		if p.Title == "" {
			p.Title = article.Title
		}
	default:
		return Page{}, fmt.Errorf("extract: unknown format %q", format)
	}

	if maxLen > 0 && len(p.Content) > maxLen {
		p.Content = truncate(p.Content, maxLen)
		p.Truncated = true
	}
	L_debug("extract: rendered page", "url", pageURL, "format", p.Format, "chars", len(p.Content))
	return p, nil
}

// Readable extracts the main article of a page.
func Readable(html, pageURL string) (readability.Article, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return readability.Article{}, fmt.Errorf("extract: bad page URL %q: %w", pageURL, err)
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return readability.Article{}, fmt.Errorf("extract: readability: %w", err)
	}
	return article, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// Package extract collects the stylesheets referenced by page markup and
// strips them from it.
//
// Markup is treated as text: a single tokenizer pass finds stylesheet links
// and inline style blocks, everything else is copied through byte for byte.
package extract

import (
	"bytes"
	"context"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// inlineMarker replaces the source href in the provenance comment of inline styles
const inlineMarker = "__INLINE__"

// DefaultBlockedHosts are font hosts whose stylesheets are dropped from markup
var DefaultBlockedHosts = []string{"fonts.googleapis.com"}

// StylesheetLoader loads the content of an external stylesheet
// An empty result without error means the stylesheet is unavailable
type StylesheetLoader interface {
	LoadStylesheet(ctx context.Context, href string) (string, error)
}

type noLoader struct{}

func (noLoader) LoadStylesheet(context.Context, string) (string, error) {
	return "", nil
}

// Config represents the pipeline collaborators
type Config struct {
	// Loader fetches linked stylesheets
	Loader StylesheetLoader
	// Minifier minifies collected css, defaults to NewMinifier
	Minifier Minifier
	// ImageTransform rewrites image references in collected css, defaults to identity
	ImageTransform func(css string) string
	// BlockedHosts lists hosts whose stylesheets are removed without being collected
	BlockedHosts []string
}

// New returns an extraction pipeline
func New(c *Config) *Pipeline {
	p := &Pipeline{
		loader:   c.Loader,
		minifier: c.Minifier,
		images:   c.ImageTransform,
		blocked:  c.BlockedHosts,
	}
	if p.minifier == nil {
		p.minifier = NewMinifier()
	}
	if p.images == nil {
		p.images = func(css string) string { return css }
	}
	if p.blocked == nil {
		p.blocked = DefaultBlockedHosts
	}
	if p.loader == nil {
		p.loader = noLoader{}
	}
	return p
}

// Pipeline extracts stylesheet content from markup
type Pipeline struct {
	loader   StylesheetLoader
	minifier Minifier
	images   func(string) string
	blocked  []string
}

// Extract returns the concatenated css of the eligible stylesheets of markup,
// in document order, and the markup with those stylesheets removed
// In dry run mode nothing is loaded or collected, elements are only removed
func (p *Pipeline) Extract(ctx context.Context, markup string, dryRun bool) (string, string) {
	var out bytes.Buffer
	var css strings.Builder
	z := html.NewTokenizer(strings.NewReader(markup))

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				log.Errorf("Failed to tokenize markup: %s", err)
				return css.String(), markup
			}
			break
		}
		// TagName and TagAttr lower case the buffer in place
		raw := copyRaw(z)

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.Write(raw)
			continue
		}
		name, hasAttr := z.TagName()
		switch string(name) {
		case "link":
			attrs := readAttrs(z, hasAttr)
			if p.link(ctx, attrs, dryRun, &css) {
				out.Write(raw)
			}
		case "style":
			if tt == html.SelfClosingTagToken {
				out.Write(raw)
				continue
			}
			attrs := readAttrs(z, hasAttr)
			body, tail := readRawText(z)
			if p.style(attrs, string(body), dryRun, &css) {
				out.Write(raw)
				out.Write(body)
				out.Write(tail)
			}
		default:
			out.Write(raw)
		}
	}

	return css.String(), out.String()
}

// link handles a link element and reports whether it stays in the markup
func (p *Pipeline) link(ctx context.Context, attrs map[string]string, dryRun bool, css *strings.Builder) bool {
	rel := strings.ToLower(strings.TrimSpace(attrs["rel"]))
	if rel == "" {
		return true
	}
	if rel != "stylesheet" {
		if rel != "preload" || strings.ToLower(strings.TrimSpace(attrs["as"])) != "style" {
			return true
		}
	}
	href := attrs["href"]
	if href == "" {
		return true
	}
	if isPrint(attrs["media"]) {
		return false
	}
	if p.isBlocked(href) {
		log.Debugf("Dropped blocked font stylesheet %s", href)
		return false
	}
	if dryRun {
		return false
	}

	con, err := p.loader.LoadStylesheet(ctx, href)
	if err != nil {
		log.Debugf("Failed to load stylesheet %s: %s", href, err)
		return true
	}
	if con == "" {
		return true
	}
	p.collect(css, con, attrs["media"], href)

	return false
}

// style handles an inline style block and reports whether it stays in the markup
func (p *Pipeline) style(attrs map[string]string, body string, dryRun bool, css *strings.Builder) bool {
	if body == "" {
		return true
	}
	if isPrint(attrs["media"]) {
		return false
	}
	if dryRun {
		return false
	}
	log.Debugf("Load inline CSS %s...", truncate(body, 100))
	p.collect(css, body, attrs["media"], inlineMarker)

	return false
}

func (p *Pipeline) collect(css *strings.Builder, con, media, source string) {
	con = p.minifier.CSS(con)
	con = p.images(con)

	css.WriteString("/* " + source + " */")
	if media != "" && media != "all" {
		css.WriteString("@media " + media + "{" + con + "}\n")
	} else {
		css.WriteString(con + "\n")
	}
}

func (p *Pipeline) isBlocked(href string) bool {
	for _, h := range p.blocked {
		if h != "" && strings.Contains(href, h) {
			return true
		}
	}
	return false
}

func isPrint(media string) bool {
	return strings.Contains(strings.ToLower(media), "print")
}

func copyRaw(z *html.Tokenizer) []byte {
	return append([]byte(nil), z.Raw()...)
}

func readAttrs(z *html.Tokenizer, hasAttr bool) map[string]string {
	attrs := map[string]string{}
	for hasAttr {
		var k, v []byte
		k, v, hasAttr = z.TagAttr()
		attrs[string(k)] = string(v)
	}
	return attrs
}

// readRawText consumes a raw text element up to its end tag and returns the
// raw body and the raw end tag
func readRawText(z *html.Tokenizer) ([]byte, []byte) {
	var body []byte
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return body, nil
		case html.EndTagToken:
			return body, copyRaw(z)
		default:
			body = append(body, z.Raw()...)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

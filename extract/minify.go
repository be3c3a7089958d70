package extract

import (
	"bytes"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tdewolff/minify/v2"
	mcss "github.com/tdewolff/minify/v2/css"
	mhtml "github.com/tdewolff/minify/v2/html"
	"golang.org/x/net/html"
)

const (
	cssMime  = "text/css"
	htmlMime = "text/html"
)

// Minifier minifies stylesheets and markup
// Implementations return the input unchanged when it cannot be minified
type Minifier interface {
	CSS(css string) string
	HTML(markup string) string
}

// NewMinifier returns a minifier backed by tdewolff/minify
func NewMinifier() Minifier {
	m := minify.New()
	m.AddFunc(cssMime, mcss.Minify)
	m.Add(htmlMime, &mhtml.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
	})
	return &minifier{m: m}
}

type minifier struct {
	m *minify.M
}

func (mf *minifier) CSS(css string) string {
	out, err := mf.m.String(cssMime, css)
	if err != nil {
		log.Debugf("Failed to minify css: %s", err)
		return css
	}
	return out
}

func (mf *minifier) HTML(markup string) string {
	out, err := mf.m.String(htmlMime, markup)
	if err != nil {
		log.Debugf("Failed to minify html: %s", err)
		return markup
	}
	return out
}

// PrepareHTML minifies a rendered page and drops its noscript blocks before
// it is sent for generation
func (p *Pipeline) PrepareHTML(markup string) string {
	return StripNoscript(p.minifier.HTML(markup))
}

// StripNoscript removes every noscript element from markup
func StripNoscript(markup string) string {
	var out bytes.Buffer
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return markup
			}
			break
		}
		raw := copyRaw(z)
		if tt == html.StartTagToken {
			if name, _ := z.TagName(); string(name) == "noscript" {
				readRawText(z)
				continue
			}
		}
		out.Write(raw)
	}
	return out.String()
}

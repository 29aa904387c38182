// Package keyextract pulls delivered license keys out of an order page.
//
// Extraction runs an ordered list of strategies over the parsed page; the
// first strategy that yields anything wins. Results are deduplicated within
// one page, keeping first-seen order.
package keyextract

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	DefaultMinKeyLen = 5
	DefaultMaxKeyLen = 200
)

// Strategy returns candidate keys found in doc. It must not modify doc.
type Strategy func(doc *goquery.Document) []string

type Options struct {
	// Text must be longer than MinKeyLen runes.
	MinKeyLen int
	// Fallback text must be shorter than MaxKeyLen runes.
	MaxKeyLen int
	// DisableFallback keeps only the secret-placeholder strategy.
	DisableFallback bool
}

func (o *Options) defaults() {
	if o.MinKeyLen <= 0 {
		o.MinKeyLen = DefaultMinKeyLen
	}
	if o.MaxKeyLen <= 0 {
		o.MaxKeyLen = DefaultMaxKeyLen
	}
}

var fallbackSelectors = []string{
	"span.secret",
	"div.secret-placeholder",
	"code",
	"pre",
	`span[style*="font-family: monospace"]`,
}

type Extractor struct {
	strategies []Strategy
}

func New(opts Options) *Extractor {
	opts.defaults()
	strategies := []Strategy{PlaceholderStrategy(opts.MinKeyLen)}
	if !opts.DisableFallback {
		strategies = append(strategies, SelectorStrategy(fallbackSelectors, opts.MinKeyLen, opts.MaxKeyLen))
	}
	return &Extractor{strategies: strategies}
}

// NewWithStrategies builds an extractor over a custom chain.
func NewWithStrategies(strategies ...Strategy) *Extractor {
	return &Extractor{strategies: strategies}
}

var defaultExtractor = New(Options{})

// Extract runs the default chain over page.
func Extract(page string) []string {
	return defaultExtractor.Extract(page)
}

// Extract never panics; unparseable markup yields nil.
func (e *Extractor) Extract(page string) (keys []string) {
	defer func() {
		if r := recover(); r != nil {
			keys = nil
		}
	}()
	if strings.TrimSpace(page) == "" {
		return nil
	}
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil
	}
	doc := goquery.NewDocumentFromNode(root)
	for _, s := range e.strategies {
		if found := dedup(s(doc)); len(found) > 0 {
			return found
		}
	}
	return nil
}

// PlaceholderStrategy collects span.secret-placeholder text longer than minLen.
func PlaceholderStrategy(minLen int) Strategy {
	return func(doc *goquery.Document) []string {
		var out []string
		doc.Find("span.secret-placeholder").Each(func(_ int, s *goquery.Selection) {
			key := strings.TrimSpace(s.Text())
			if utf8.RuneCountInString(key) > minLen {
				out = append(out, key)
			}
		})
		return out
	}
}

// SelectorStrategy collects text from every selector in turn, keeping values
// strictly between minLen and maxLen runes.
func SelectorStrategy(selectors []string, minLen, maxLen int) Strategy {
	return func(doc *goquery.Document) []string {
		var out []string
		for _, sel := range selectors {
			doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
				key := strings.TrimSpace(s.Text())
				n := utf8.RuneCountInString(key)
				if n > minLen && n < maxLen {
					out = append(out, key)
				}
			})
		}
		return out
	}
}

func dedup(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

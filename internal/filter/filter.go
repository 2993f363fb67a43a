// Package filter reduces a raw HTML document to the content a caller asked
// for. Every call parses its own document, so Apply is safe for concurrent use.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// nonContentSelector is stripped before any caller-supplied filtering and
// cannot be overridden by OnlyIncludeTags.
const nonContentSelector = "script, style, iframe, noscript, meta, head"

// ErrInvalidPattern is returned when a wildcard RemoveTags entry does not
// compile as a regular expression.
var ErrInvalidPattern = errors.New("invalid remove tag pattern")

// TagList is an ordered list of selectors. It decodes from either a JSON
// array of strings or a single bare string.
type TagList []string

// UnmarshalJSON accepts `"p"` as shorthand for `["p"]`.
func (l *TagList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = TagList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("tag list must be a string or an array of strings: %w", err)
	}
	*l = many
	return nil
}

// active reports whether the list restricts anything. A list whose first entry
// is the empty string is treated as unset.
func (l TagList) active() bool {
	return len(l) > 0 && l[0] != ""
}

// Spec describes which tags to keep and which to strip.
type Spec struct {
	OnlyIncludeTags TagList `json:"onlyIncludeTags,omitempty"`
	RemoveTags      TagList `json:"removeTags,omitempty"`
}

// Apply parses rawHTML, strips non-content nodes, keeps only the nodes
// matching OnlyIncludeTags (when set) and then removes every RemoveTags match.
//
// A node matched by several OnlyIncludeTags selectors is copied once per
// match; nested matches are copied too.
func Apply(rawHTML string, spec Spec) (string, error) {
	doc, err := parse(rawHTML)
	if err != nil {
		return "", err
	}
	doc.Find(nonContentSelector).Remove()

	if spec.OnlyIncludeTags.active() {
		doc, err = keepOnly(doc, spec.OnlyIncludeTags)
		if err != nil {
			return "", err
		}
	}

	if spec.RemoveTags.active() {
		if err := removeMatches(doc, spec.RemoveTags); err != nil {
			return "", err
		}
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return out, nil
}

func parse(markup string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func keepOnly(doc *goquery.Document, selectors []string) (*goquery.Document, error) {
	root, err := parse("<div></div>")
	if err != nil {
		return nil, err
	}
	container := root.Find("div").First()
	for _, selector := range selectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			container.AppendSelection(s.Clone())
		})
	}
	markup, err := container.Html()
	if err != nil {
		return nil, fmt.Errorf("render kept nodes: %w", err)
	}
	return parse(markup)
}

func removeMatches(doc *goquery.Document, entries []string) error {
	for _, entry := range entries {
		if !isPattern(entry) {
			doc.Find(entry).Remove()
			continue
		}
		re, err := regexp.Compile("(?i)" + patternBody(entry))
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidPattern, entry, err)
		}
		classMatch := strings.HasPrefix(entry, "*.")
		doc.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return matchesPattern(s.Get(0), re, classMatch)
		}).Remove()
	}
	return nil
}

// isPattern reports whether entry is a wildcard pattern such as "*ad*". A lone
// "*" counts as a pattern with an empty body and therefore matches every node.
func isPattern(entry string) bool {
	if entry == "*" {
		return true
	}
	return len(entry) >= 2 && strings.HasPrefix(entry, "*") && strings.HasSuffix(entry, "*")
}

func patternBody(entry string) string {
	if len(entry) < 2 {
		return ""
	}
	return entry[1 : len(entry)-1]
}

// matchesPattern tests the tag name and every attribute rendered as
// name="value". Entries starting with "*." also test each attribute value
// rendered as class="value".
func matchesPattern(n *html.Node, re *regexp.Regexp, classMatch bool) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if re.MatchString(n.Data) {
		return true
	}
	for _, attr := range n.Attr {
		if re.MatchString(attr.Key + `="` + attr.Val + `"`) {
			return true
		}
		if classMatch && re.MatchString(`class="`+attr.Val+`"`) {
			return true
		}
	}
	return false
}

// Validate reports ErrInvalidPattern for the first remove pattern that does
// not compile, without parsing any document.
func Validate(spec Spec) error {
	if !spec.RemoveTags.active() {
		return nil
	}
	for _, entry := range spec.RemoveTags {
		if !isPattern(entry) {
			continue
		}
		if _, err := regexp.Compile("(?i)" + patternBody(entry)); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidPattern, entry, err)
		}
	}
	return nil
}

// File: internal/snapshot/extract.go
// Description: Turns raw page HTML into a PageSnapshot: a content hash, a
// structural skeleton (markup with text and presentation stripped), the
// visible text, and the numbered interactive elements the agent addresses
// actions at. Element IDs are document order, so the executor can find the
// same element again with the same walk.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

// interactiveTags are element tags that accept actions directly.
var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true,
	"textarea": true, "option": true, "summary": true,
}

// interactiveRoles are ARIA roles that make any element actionable.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "menuitem": true, "menuitemcheckbox": true,
	"menuitemradio": true, "tab": true, "checkbox": true, "radio": true,
	"combobox": true, "listbox": true, "textbox": true, "searchbox": true,
	"option": true, "switch": true, "slider": true,
}

// skeletonAttrs are the only attributes a skeleton keeps.
var skeletonAttrs = map[string]bool{
	"id": true, "class": true, "role": true, "type": true, "name": true,
}

// skippedTags contribute neither text nor structure.
var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"svg": true, "path": true, "meta": true, "link": true,
}

// Build parses raw page HTML into a snapshot. maxInteractive caps the
// numbered element list; zero means no cap.
func Build(pageURL, rawHTML string, maxInteractive int) (schemas.PageSnapshot, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return schemas.PageSnapshot{}, fmt.Errorf("failed to parse page html: %w", err)
	}

	sum := sha256.Sum256([]byte(rawHTML))
	ex := &extractor{maxInteractive: maxInteractive}
	ex.walk(root)

	return schemas.PageSnapshot{
		URL:         pageURL,
		ContentHash: hex.EncodeToString(sum[:]),
		Skeleton:    ex.skeleton.String(),
		Text:        collapseWhitespace(ex.text.String()),
		Interactive: ex.interactive,
	}, nil
}

type extractor struct {
	skeleton       strings.Builder
	text           strings.Builder
	interactive    []schemas.InteractiveElement
	maxInteractive int
}

func (ex *extractor) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			ex.text.WriteString(t)
			ex.text.WriteString(" ")
		}
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if skippedTags[tag] {
			return
		}
		ex.openTag(n, tag)
		if ex.isInteractive(n, tag) {
			ex.record(n, tag)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			ex.walk(c)
		}
		fmt.Fprintf(&ex.skeleton, "</%s>", tag)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		ex.walk(c)
	}
}

func (ex *extractor) openTag(n *html.Node, tag string) {
	ex.skeleton.WriteString("<")
	ex.skeleton.WriteString(tag)
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if skeletonAttrs[key] && a.Val != "" {
			fmt.Fprintf(&ex.skeleton, " %s=%q", key, a.Val)
		}
	}
	ex.skeleton.WriteString(">")
}

func (ex *extractor) isInteractive(n *html.Node, tag string) bool {
	if tag == "input" && attr(n, "type") == "hidden" {
		return false
	}
	// Role values are case-insensitive; the in-page walker lowercases too,
	// and both walks must number the same elements.
	return interactiveTags[tag] || interactiveRoles[strings.ToLower(attr(n, "role"))]
}

func (ex *extractor) record(n *html.Node, tag string) {
	if ex.maxInteractive > 0 && len(ex.interactive) >= ex.maxInteractive {
		return
	}
	label := attr(n, "aria-label")
	if label == "" {
		label = collapseWhitespace(innerText(n))
	}
	if label == "" {
		label = attr(n, "placeholder")
	}
	if len(label) > 120 {
		label = label[:120] + "..."
	}
	ex.interactive = append(ex.interactive, schemas.InteractiveElement{
		ID:    len(ex.interactive),
		Tag:   tag,
		Role:  attr(n, "role"),
		Type:  attr(n, "type"),
		Name:  attr(n, "name"),
		Label: label,
	})
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func innerText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteString(" ")
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			walk(gc)
		}
	}
	walk(n)
	return sb.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

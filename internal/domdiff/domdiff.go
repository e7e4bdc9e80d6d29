// File: internal/domdiff/domdiff.go
// Description: Structural page-change detection. Compares two page skeletons
// by Jaccard similarity over normalized element signatures, with a separate
// retention score for interactive elements and categorical change flags.
package domdiff

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

// Weighting of the combined score. Interactive elements weigh higher
// because they are what the agent acts on; cosmetic content changes should
// not force a re-plan.
const (
	structuralWeight  = 0.6
	interactiveWeight = 0.4

	// Interactive retention below this fraction counts as a structural
	// change in its own right.
	churnThreshold = 0.5
)

// Structural change labels reported in DomSimilarityResult.
const (
	ChangeFormAdded        = "form added"
	ChangeFormRemoved      = "form removed"
	ChangeFormCount        = "form count changed"
	ChangeDialogOpened     = "dialog opened"
	ChangeDialogClosed     = "dialog closed"
	ChangeNavigation       = "navigation changed"
	ChangeTableCount       = "table count changed"
	ChangeMainContent      = "main content changed"
	ChangeInteractiveChurn = "major interactive churn"
)

// utilityClassRegex matches presentational class tokens (spacing, layout,
// color) which carry no structural meaning and churn freely between renders.
var utilityClassRegex = regexp.MustCompile(`^(?:[mp][trblxy]?-|w-|h-|min-|max-|gap-|space-|text-|bg-|border|rounded|shadow|ring-|flex|grid|col-|row-|items-|justify-|self-|font-|leading-|tracking-|hidden$|block$|inline|relative$|absolute$|fixed$|sticky$|overflow-|z-|opacity-|transition|duration-|ease-|hover:|focus:|active:|disabled:|dark:|sm:|md:|lg:|xl:|2xl:)`)

// interactiveTags are element tags the agent can act on directly.
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

// categoryCounts tallies the structural landmarks a page change check cares
// about.
type categoryCounts struct {
	forms   int
	dialogs int
	navs    int
	tables  int
	mains   int
}

// pageShape is the parsed form of one skeleton: signature sets plus counts.
type pageShape struct {
	all         map[string]struct{}
	interactive map[string]struct{}
	counts      categoryCounts
}

// Engine computes structural similarity between page snapshots.
type Engine struct {
	log *zap.Logger
}

// New creates a diff engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{log: logger.Named("domdiff")}
}

// Similarity compares two page skeletons and decides whether the page
// changed enough to invalidate a plan. It never returns an error: on any
// internal failure it reports a conservative result (score 0.5, replan
// required), because a diff failure must not silently suppress re-planning.
func (e *Engine) Similarity(prevSkeleton, currSkeleton string, threshold float64) (result schemas.DomSimilarityResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Panic recovered during structural diff", zap.Any("panic_value", r))
			result = conservativeResult()
		}
	}()

	prev, err := parseShape(prevSkeleton)
	if err != nil {
		e.log.Warn("Failed to parse previous skeleton", zap.Error(err))
		return conservativeResult()
	}
	curr, err := parseShape(currSkeleton)
	if err != nil {
		e.log.Warn("Failed to parse current skeleton", zap.Error(err))
		return conservativeResult()
	}

	structural, retainedAll := jaccard(prev.all, curr.all)
	interactive, retainedInteractive := retention(prev.interactive, curr.interactive)

	changes := categoricalChanges(prev.counts, curr.counts)
	if len(prev.interactive) > 0 && interactive < churnThreshold {
		changes = append(changes, ChangeInteractiveChurn)
	}

	score := structuralWeight*structural + interactiveWeight*interactive

	result = schemas.DomSimilarityResult{
		Score:             score,
		StructuralScore:   structural,
		InteractiveScore:  interactive,
		StructuralChanges: changes,
		Stats: schemas.ElementStats{
			PrevElements:        len(prev.all),
			CurrElements:        len(curr.all),
			RetainedElements:    retainedAll,
			PrevInteractive:     len(prev.interactive),
			CurrInteractive:     len(curr.interactive),
			RetainedInteractive: retainedInteractive,
		},
		ShouldReplan: score < threshold || len(changes) > 0,
	}
	return result
}

// HasSignificantURLChange reports whether two URLs differ in hostname or
// path. Query and fragment changes are explicitly insignificant. Malformed
// URLs are treated as changed unless byte-identical.
func HasSignificantURLChange(prevURL, currURL string) bool {
	if prevURL == currURL {
		return false
	}
	prev, errPrev := url.Parse(prevURL)
	curr, errCurr := url.Parse(currURL)
	if errPrev != nil || errCurr != nil {
		return true
	}
	return prev.Hostname() != curr.Hostname() || normalizePath(prev.Path) != normalizePath(curr.Path)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return strings.TrimSuffix(p, "/") + "/"
}

func conservativeResult() schemas.DomSimilarityResult {
	return schemas.DomSimilarityResult{
		Score:             0.5,
		StructuralScore:   0.5,
		InteractiveScore:  0.5,
		StructuralChanges: nil,
		ShouldReplan:      true,
	}
}

// parseShape parses a skeleton into its element signature sets and
// landmark counts.
func parseShape(skeleton string) (pageShape, error) {
	shape := pageShape{
		all:         make(map[string]struct{}),
		interactive: make(map[string]struct{}),
	}
	if strings.TrimSpace(skeleton) == "" {
		return shape, nil
	}

	root, err := html.Parse(strings.NewReader(skeleton))
	if err != nil {
		return shape, err
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			// html.Parse synthesizes html/head/body wrappers; they carry no
			// signal about the page.
			if tag != "html" && tag != "head" && tag != "body" {
				sig, role, inputType := signature(n, tag)
				shape.all[sig] = struct{}{}
				if interactiveTags[tag] || interactiveRoles[role] {
					if tag != "input" || inputType != "hidden" {
						shape.interactive[sig] = struct{}{}
					}
				}
				shape.counts.tally(tag, role)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return shape, nil
}

// signature builds a normalized identity string for one element: tag, id,
// the structural subset of its classes, ARIA role, and (for form controls)
// type and name.
func signature(n *html.Node, tag string) (sig, role, inputType string) {
	var id, name string
	var classes []string

	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "id":
			id = attr.Val
		case "class":
			for _, c := range strings.Fields(attr.Val) {
				if !utilityClassRegex.MatchString(c) {
					classes = append(classes, c)
				}
			}
		case "role":
			role = strings.ToLower(strings.TrimSpace(attr.Val))
		case "type":
			inputType = strings.ToLower(attr.Val)
		case "name":
			name = attr.Val
		}
	}

	var b strings.Builder
	b.WriteString(tag)
	if id != "" {
		b.WriteString("#")
		b.WriteString(id)
	}
	if len(classes) > 0 {
		sort.Strings(classes)
		b.WriteString(".")
		b.WriteString(strings.Join(classes, "."))
	}
	if role != "" {
		b.WriteString("[role=")
		b.WriteString(role)
		b.WriteString("]")
	}
	if tag == "input" || tag == "button" || tag == "select" || tag == "textarea" {
		if inputType != "" {
			b.WriteString("[type=")
			b.WriteString(inputType)
			b.WriteString("]")
		}
		if name != "" {
			b.WriteString("[name=")
			b.WriteString(name)
			b.WriteString("]")
		}
	}
	return b.String(), role, inputType
}

func (c *categoryCounts) tally(tag, role string) {
	switch {
	case tag == "form" || role == "form":
		c.forms++
	case tag == "dialog" || role == "dialog" || role == "alertdialog":
		c.dialogs++
	case tag == "nav" || role == "navigation":
		c.navs++
	case tag == "table" || role == "table" || role == "grid":
		c.tables++
	case tag == "main" || role == "main":
		c.mains++
	}
}

// jaccard computes |A∩B| / |A∪B|. Two empty sets are identical (1.0).
func jaccard(a, b map[string]struct{}) (score float64, intersection int) {
	if len(a) == 0 && len(b) == 0 {
		return 1.0, 0
	}
	for sig := range a {
		if _, ok := b[sig]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union), intersection
}

// retention computes the fraction of the previous interactive set that
// survived into the current one. With no previous interactive elements
// there is nothing to lose (1.0).
func retention(prev, curr map[string]struct{}) (score float64, retained int) {
	if len(prev) == 0 {
		return 1.0, 0
	}
	for sig := range prev {
		if _, ok := curr[sig]; ok {
			retained++
		}
	}
	return float64(retained) / float64(len(prev)), retained
}

// categoricalChanges names the landmark-level differences between two pages.
func categoricalChanges(prev, curr categoryCounts) []string {
	var changes []string

	switch {
	case prev.forms == 0 && curr.forms > 0:
		changes = append(changes, ChangeFormAdded)
	case prev.forms > 0 && curr.forms == 0:
		changes = append(changes, ChangeFormRemoved)
	case prev.forms != curr.forms:
		changes = append(changes, ChangeFormCount)
	}

	switch {
	case prev.dialogs == 0 && curr.dialogs > 0:
		changes = append(changes, ChangeDialogOpened)
	case prev.dialogs > 0 && curr.dialogs == 0:
		changes = append(changes, ChangeDialogClosed)
	}

	if prev.navs != curr.navs {
		changes = append(changes, ChangeNavigation)
	}
	if prev.tables != curr.tables {
		changes = append(changes, ChangeTableCount)
	}
	if prev.mains != curr.mains {
		changes = append(changes, ChangeMainContent)
	}
	return changes
}

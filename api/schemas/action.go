// File: api/schemas/action.go
package schemas

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ActionKind enumerates the actions the agent can hand to the client.
type ActionKind string

const (
	ActionClick    ActionKind = "click"     // Click the interactive element with the given ID.
	ActionSetValue ActionKind = "set_value" // Set the value of the element with the given ID.
	ActionNavigate ActionKind = "navigate"  // Navigate to a URL.
	ActionScroll   ActionKind = "scroll"    // Scroll the page "up" or "down".
	ActionWait     ActionKind = "wait"      // Pause for a number of milliseconds.
	ActionFinish   ActionKind = "finish"    // Terminal sentinel: the goal is achieved.
	ActionFail     ActionKind = "fail"      // Terminal sentinel: the task cannot proceed.
)

// Action is the tagged, parsed form of the stringly-typed wire format
// ("click(42)", "set_value(42, \"x\")", "finish(\"done\")"). The wire string
// is kept only at the serialization boundary; everything else operates on
// this variant.
type Action struct {
	Kind       ActionKind `json:"kind"`
	ElementID  int        `json:"element_id,omitempty"`  // click, set_value.
	Text       string     `json:"text,omitempty"`        // Value, URL, direction, message or reason.
	DurationMS int        `json:"duration_ms,omitempty"` // wait.
}

// Zero reports whether the action is the zero value (no action decided).
func (a Action) Zero() bool { return a.Kind == "" }

// Terminal reports whether the action ends the task.
func (a Action) Terminal() bool { return a.Kind == ActionFinish || a.Kind == ActionFail }

// Mutating reports whether executing the action is expected to change the
// page in an observable way.
func (a Action) Mutating() bool {
	switch a.Kind {
	case ActionClick, ActionSetValue, ActionNavigate:
		return true
	}
	return false
}

// String renders the action in the wire format.
func (a Action) String() string {
	switch a.Kind {
	case ActionClick:
		return fmt.Sprintf("click(%d)", a.ElementID)
	case ActionSetValue:
		return fmt.Sprintf("set_value(%d, %s)", a.ElementID, strconv.Quote(a.Text))
	case ActionNavigate, ActionScroll, ActionFinish, ActionFail:
		return fmt.Sprintf("%s(%s)", a.Kind, strconv.Quote(a.Text))
	case ActionWait:
		return fmt.Sprintf("wait(%d)", a.DurationMS)
	}
	return ""
}

// Convenience constructors.

func Click(id int) Action                { return Action{Kind: ActionClick, ElementID: id} }
func SetValue(id int, text string) Action { return Action{Kind: ActionSetValue, ElementID: id, Text: text} }
func Navigate(url string) Action         { return Action{Kind: ActionNavigate, Text: url} }
func Scroll(direction string) Action     { return Action{Kind: ActionScroll, Text: direction} }
func Wait(ms int) Action                 { return Action{Kind: ActionWait, DurationMS: ms} }
func Finish(message string) Action       { return Action{Kind: ActionFinish, Text: message} }
func Fail(reason string) Action          { return Action{Kind: ActionFail, Text: reason} }

var actionCallRegex = regexp.MustCompile(`(?s)^\s*([a-z_]+)\s*\((.*)\)\s*$`)

// ParseAction parses a wire-format action string into its tagged variant.
// Unknown or malformed strings return an error, never a panic.
func ParseAction(s string) (Action, error) {
	m := actionCallRegex.FindStringSubmatch(s)
	if m == nil {
		return Action{}, fmt.Errorf("malformed action %q", s)
	}
	name, rawArgs := m[1], strings.TrimSpace(m[2])

	switch ActionKind(name) {
	case ActionClick:
		id, err := strconv.Atoi(rawArgs)
		if err != nil {
			return Action{}, fmt.Errorf("click: element id %q is not an integer", rawArgs)
		}
		return Click(id), nil

	case ActionSetValue:
		comma := strings.Index(rawArgs, ",")
		if comma < 0 {
			return Action{}, fmt.Errorf("set_value: expected two arguments in %q", s)
		}
		id, err := strconv.Atoi(strings.TrimSpace(rawArgs[:comma]))
		if err != nil {
			return Action{}, fmt.Errorf("set_value: element id %q is not an integer", rawArgs[:comma])
		}
		text, err := unquoteArg(rawArgs[comma+1:])
		if err != nil {
			return Action{}, fmt.Errorf("set_value: %w", err)
		}
		return SetValue(id, text), nil

	case ActionNavigate, ActionScroll, ActionFinish, ActionFail:
		text, err := unquoteArg(rawArgs)
		if err != nil {
			return Action{}, fmt.Errorf("%s: %w", name, err)
		}
		a := Action{Kind: ActionKind(name), Text: text}
		if a.Kind == ActionScroll && text != "up" && text != "down" {
			return Action{}, fmt.Errorf("scroll: direction must be \"up\" or \"down\", got %q", text)
		}
		return a, nil

	case ActionWait:
		ms, err := strconv.Atoi(rawArgs)
		if err != nil || ms < 0 {
			return Action{}, fmt.Errorf("wait: duration %q is not a non-negative integer", rawArgs)
		}
		return Wait(ms), nil
	}
	return Action{}, fmt.Errorf("unknown action %q", name)
}

// unquoteArg accepts a double-quoted Go-style string argument, or a bare
// unquoted argument as a leniency for model output.
func unquoteArg(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("invalid quoted argument %s", raw)
		}
		return unquoted, nil
	}
	return raw, nil
}

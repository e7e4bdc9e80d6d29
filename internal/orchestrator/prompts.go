// File: internal/orchestrator/prompts.go
// Description: The model calls the graph nodes make, with their response
// shapes. Every call forces JSON output and parses into a typed struct;
// anything unparsable surfaces as an error for the calling node to degrade
// on.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/llmutil"
)

const actionGrammar = `Actions are written as one of:
click(ID), set_value(ID, "text"), navigate("url"), scroll("up"|"down"), wait(MILLISECONDS), finish("message"), fail("reason").
ID is the numeric id of an interactive element listed for the page. Use finish only when the goal is fully achieved, fail only when it is impossible.`

// -- context analysis --

type contextAnalysisResponse struct {
	NeedsUserInput bool     `json:"needs_user_input"`
	RequiredInputs []string `json:"required_inputs,omitempty"`
	Analysis       string   `json:"analysis"`
}

const contextAnalysisSystemPrompt = `You assess whether a browser-automation goal can be attempted with the information given.
Identify concrete inputs the goal needs but does not provide (credentials, a shipping address, a payment method, a file to upload).
General knowledge and anything readable from the page do not count as missing.
Respond with a single JSON object: {"needs_user_input": bool, "required_inputs": [string], "analysis": string}.`

func (o *Orchestrator) analyzeContext(ctx context.Context, goal string, snap schemas.PageSnapshot) (contextAnalysisResponse, error) {
	prompt := fmt.Sprintf("Goal: %s\nCurrent URL: %s\nPage:\n%s", goal, snap.URL, pageContext(snap))
	response, err := o.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: contextAnalysisSystemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	if err != nil {
		return contextAnalysisResponse{}, fmt.Errorf("context analysis call failed: %w", err)
	}
	parsed, err := llmutil.ParseJSONResponse[contextAnalysisResponse](response)
	if err != nil {
		return contextAnalysisResponse{}, fmt.Errorf("context analysis response unparsable: %w", err)
	}
	return *parsed, nil
}

// -- planning --

type planStepResponse struct {
	Description     string `json:"description"`
	Reasoning       string `json:"reasoning,omitempty"`
	Tool            string `json:"tool"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

type planResponse struct {
	Steps    []planStepResponse `json:"steps"`
	SubTasks []string           `json:"sub_tasks,omitempty"`
}

const planningSystemPrompt = `You plan browser-automation tasks as an ordered list of concrete steps.
Each step is one page interaction or one server-side operation, small enough to execute and verify on its own.
Respond with a single JSON object:
{"steps": [{"description": string, "reasoning": string, "tool": "page"|"server"|"mixed", "expected_outcome": string}],
 "sub_tasks": [string]}.
Use sub_tasks only when the goal naturally decomposes into independently completable units (e.g. "for each of these three items..."); otherwise omit it.`

func (o *Orchestrator) generatePlan(ctx context.Context, st *turnState) (planResponse, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", st.task.Goal)
	fmt.Fprintf(&sb, "Current URL: %s\n", st.snapshot.URL)
	if st.verification != nil {
		// Replanning mid-task: tell the planner what just happened so the
		// new plan starts from here, not from scratch.
		fmt.Fprintf(&sb, "Progress so far: last action verified with %q.\n", st.verification.Reason)
	}
	if sub := st.task.SubTasks.Current(); sub != nil {
		fmt.Fprintf(&sb, "Current sub-task: %s\n", sub.Description)
	}
	fmt.Fprintf(&sb, "Page:\n%s", pageContext(st.snapshot))

	response, err := o.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: planningSystemPrompt,
		UserPrompt:   sb.String(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.4},
	})
	if err != nil {
		return planResponse{}, fmt.Errorf("planning call failed: %w", err)
	}
	parsed, err := llmutil.ParseJSONResponse[planResponse](response)
	if err != nil {
		return planResponse{}, fmt.Errorf("planning response unparsable: %w", err)
	}
	return *parsed, nil
}

// -- step refinement --

type actionResponse struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning,omitempty"`
}

const refinementSystemPrompt = `You turn one step of a browser-automation plan into a single concrete action against the current page.
` + actionGrammar + `
Respond with a single JSON object: {"action": string, "reasoning": string}.`

func (o *Orchestrator) refineStep(ctx context.Context, st *turnState, step *schemas.PlanStep) (schemas.Action, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", st.task.Goal)
	fmt.Fprintf(&sb, "Current step (%d): %s\n", step.Index, step.Description)
	if step.ExpectedOutcome != "" {
		fmt.Fprintf(&sb, "Expected outcome: %s\n", step.ExpectedOutcome)
	}
	fmt.Fprintf(&sb, "Current URL: %s\nPage:\n%s", st.snapshot.URL, pageContext(st.snapshot))

	response, err := o.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: refinementSystemPrompt,
		UserPrompt:   sb.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	if err != nil {
		return schemas.Action{}, fmt.Errorf("refinement call failed: %w", err)
	}
	parsed, err := llmutil.ParseJSONResponse[actionResponse](response)
	if err != nil {
		return schemas.Action{}, fmt.Errorf("refinement response unparsable: %w", err)
	}
	act, err := schemas.ParseAction(parsed.Action)
	if err != nil {
		return schemas.Action{}, fmt.Errorf("refined action invalid: %w", err)
	}
	return act, nil
}

// -- free-form action generation --

const generationSystemPrompt = `You drive a browser toward a goal one action at a time.
` + actionGrammar + `
Respond with a single JSON object: {"action": string, "reasoning": string}.`

func (o *Orchestrator) generateAction(ctx context.Context, st *turnState, tier schemas.ModelTier) (schemas.Action, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", st.task.Goal)
	if st.verification != nil {
		fmt.Fprintf(&sb, "Previous action verified with %q.\n", st.verification.Reason)
	}
	fmt.Fprintf(&sb, "Current URL: %s\nPage:\n%s", st.snapshot.URL, pageContext(st.snapshot))

	response, err := o.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: generationSystemPrompt,
		UserPrompt:   sb.String(),
		Tier:         tier,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.3},
	})
	if err != nil {
		return schemas.Action{}, fmt.Errorf("action generation call failed: %w", err)
	}
	parsed, err := llmutil.ParseJSONResponse[actionResponse](response)
	if err != nil {
		return schemas.Action{}, fmt.Errorf("action generation response unparsable: %w", err)
	}
	act, err := schemas.ParseAction(parsed.Action)
	if err != nil {
		return schemas.Action{}, fmt.Errorf("generated action invalid: %w", err)
	}
	return act, nil
}

// -- outcome prediction --

type predictionResponse struct {
	ExpectedOutcome string `json:"expected_outcome"`
}

const predictionSystemPrompt = `You predict, in one sentence, what a browser page will observably show after an action executes.
Respond with a single JSON object: {"expected_outcome": string}.`

func (o *Orchestrator) predictOutcome(ctx context.Context, st *turnState) (string, error) {
	prompt := fmt.Sprintf("Goal: %s\nAction about to execute: %s\nCurrent URL: %s",
		st.task.Goal, st.action.String(), st.snapshot.URL)
	response, err := o.reasoner.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: predictionSystemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.2, MaxOutputTokens: 128},
	})
	if err != nil {
		return "", fmt.Errorf("outcome prediction call failed: %w", err)
	}
	parsed, err := llmutil.ParseJSONResponse[predictionResponse](response)
	if err != nil {
		return "", fmt.Errorf("outcome prediction response unparsable: %w", err)
	}
	if strings.TrimSpace(parsed.ExpectedOutcome) == "" {
		return "", fmt.Errorf("outcome prediction returned an empty expectation")
	}
	return parsed.ExpectedOutcome, nil
}

// pageContext renders a snapshot for a prompt: the visible text excerpt plus
// the addressable interactive elements.
func pageContext(s schemas.PageSnapshot) string {
	var sb strings.Builder
	text := strings.TrimSpace(s.Text)
	if len(text) > 1500 {
		text = text[:1500] + "..."
	}
	sb.WriteString(text)
	if len(s.Interactive) > 0 {
		sb.WriteString("\nInteractive elements:\n")
		for _, el := range s.Interactive {
			fmt.Fprintf(&sb, "  [%d] <%s", el.ID, el.Tag)
			if el.Type != "" {
				fmt.Fprintf(&sb, " type=%s", el.Type)
			}
			if el.Role != "" {
				fmt.Fprintf(&sb, " role=%s", el.Role)
			}
			sb.WriteString(">")
			if el.Label != "" {
				fmt.Fprintf(&sb, " %s", el.Label)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

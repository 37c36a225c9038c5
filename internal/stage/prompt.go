package stage

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/opensprint/opensprint/pkg/models"
)

// promptVersion tags the template generation written into config.json
// so result archives can be matched to the prompt that produced them.
const promptVersion = "v1"

const codingTemplate = `# Coding task: {{.Task.Title}}

Task id: {{.Task.ID}} (attempt {{.Attempt}})

## Description

{{.Description}}

## Acceptance criteria

- Implement exactly what the description asks for; do not expand scope.
- Keep the build green{{if .TestCommand}}; the project test command is ` + "`{{.TestCommand}}`" + `{{end}}.
- Commit your work on the current branch before finishing.

## Context

Read the files under context/ before writing code:
- context/plan.md is the plan for the parent epic.
- context/prd_excerpt.md holds the relevant product requirements.
{{- if .HasDeps}}
- context/deps/ holds the diff and summary of each completed dependency.
{{- end}}
{{- if .Retry.PreviousFailure}}

## Previous attempt

The last attempt ended with: {{.Retry.PreviousFailure}}
{{- if .Retry.PreviousTestOutput}}

Test output from the last attempt:

` + "```" + `
{{.Retry.PreviousTestOutput}}
` + "```" + `
{{- end}}
{{- end}}
{{- if .Retry.ReviewerIssues}}

## Reviewer feedback

The previous implementation was rejected for these issues; address every one:
{{range .Retry.ReviewerIssues}}- {{.}}
{{end}}
{{- end}}
{{- if .Retry.ClarificationReply}}

## Clarification

A human answered your open questions:

{{.Retry.ClarificationReply}}
{{- end}}

## Result artifact

When you are done, write {{.ResultPath}} containing JSON:

    {"status": "success" | "failed", "summary": "<what you did>", "open_questions": [{"id": "q1", "text": "..."}]}

Include open_questions only if you are genuinely blocked on a decision a
human must make. Write the file exactly once, as your final step.
`

const reviewTemplate = `# Review: {{.Task.Title}}

Task id: {{.Task.ID}} (attempt {{.Attempt}})

You are reviewing an implementation of the task described below. Read
context/implementation.diff for the full change; do NOT run git commands
to inspect the branch yourself.

## Task description

{{.Description}}

## What to check

- The diff implements the description, completely and without unrelated changes.
- Tests cover the new behavior{{if .TestCommand}} and ` + "`{{.TestCommand}}`" + ` would pass{{end}}.
- No obvious correctness, concurrency, or resource-leak problems.

## Result artifact

Write {{.ResultPath}} containing JSON:

    {"status": "approved" | "rejected", "summary": "<assessment>", "issues": ["<specific issue>", ...]}

List issues only when rejecting, one concrete item each.
`

type promptData struct {
	Task        *models.Task
	Attempt     int
	Description string
	TestCommand string
	ResultPath  string
	HasDeps     bool
	Retry       RetryContext
}

var (
	codingTmpl = template.Must(template.New("coding").Parse(codingTemplate))
	reviewTmpl = template.Must(template.New("review").Parse(reviewTemplate))
)

func renderPrompt(req Request, resultPath string) (string, error) {
	desc := req.Task.Description
	if desc == "" {
		desc = req.Task.Title
	}
	data := promptData{
		Task:        req.Task,
		Attempt:     req.Attempt,
		Description: desc,
		TestCommand: req.TestCommand,
		ResultPath:  resultPath,
		HasDeps:     true,
		Retry:       req.Retry,
	}
	data.Retry.PreviousTestOutput = truncateOutput(data.Retry.PreviousTestOutput)

	tmpl := codingTmpl
	if req.Phase == models.PhaseReview {
		tmpl = reviewTmpl
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", req.Phase, err)
	}
	return sb.String(), nil
}

const conflictDiffLineLimit = 200

// renderMergeConflictPrompt builds the synthetic prompt for the merger
// agent. The repository is left in merge-in-progress state; the agent
// resolves the listed files and stages them but must not push.
func renderMergeConflictPrompt(task *models.Task, conflicts []string, conflictDiff string, recentMerges []string, resultPath string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Merge conflict: %s\n\n", task.Title)
	fmt.Fprintf(&sb, "Merging branch task/%s into main hit conflicts. The repository is\n", task.ID)
	sb.WriteString("currently in a merge-in-progress (or rebase-in-progress) state.\n\n")

	sb.WriteString("## Conflicted files\n\n")
	for _, f := range conflicts {
		fmt.Fprintf(&sb, "- %s\n", f)
	}

	if conflictDiff != "" {
		lines := strings.Split(conflictDiff, "\n")
		if len(lines) > conflictDiffLineLimit {
			lines = append(lines[:conflictDiffLineLimit], "[diff truncated]")
		}
		sb.WriteString("\n## Conflict excerpt\n\n```\n")
		sb.WriteString(strings.Join(lines, "\n"))
		sb.WriteString("\n```\n")
	}

	if len(recentMerges) > 0 {
		sb.WriteString("\n## Recently merged tasks\n\n")
		for _, m := range recentMerges {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}

	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString("- Resolve every conflicted file, keeping the intent of both sides.\n")
	sb.WriteString("- `git add` the resolved files. Do NOT commit, continue, or push;\n")
	sb.WriteString("  the coordinator completes the merge after you finish.\n")
	fmt.Fprintf(&sb, "- Write %s containing JSON:\n\n", resultPath)
	sb.WriteString("      {\"status\": \"success\" | \"failed\", \"summary\": \"<what you resolved>\"}\n")
	return sb.String()
}

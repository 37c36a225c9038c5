package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ResultKind tags the parsed variant of an agent result artifact.
// Agents write free-form JSON; parsing happens once here at the boundary
// and everything downstream consumes the tagged variant. Any shape that
// does not match a known variant collapses to ResultNone.
type ResultKind string

const (
	// ResultCodingSuccess is a coding result with status "success".
	ResultCodingSuccess ResultKind = "coding_success"
	// ResultCodingFailed is a coding result with status "failed".
	ResultCodingFailed ResultKind = "coding_failed"
	// ResultReviewApproved is a review result with status "approved".
	ResultReviewApproved ResultKind = "review_approved"
	// ResultReviewRejected is a review result with status "rejected".
	ResultReviewRejected ResultKind = "review_rejected"
	// ResultMergeSuccess is a merger result with status "success".
	ResultMergeSuccess ResultKind = "merge_success"
	// ResultMergeFailed is a merger result with status "failed".
	ResultMergeFailed ResultKind = "merge_failed"
	// ResultNone means the artifact was missing, unreadable, or had an
	// unrecognized shape.
	ResultNone ResultKind = "no_result"
)

// OpenQuestion is a clarification the agent needs a human to answer
// before it can proceed.
type OpenQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AgentResult is the tagged variant parsed from result.json.
type AgentResult struct {
	// Kind tags which variant this is.
	Kind ResultKind `json:"kind"`
	// Summary is the agent's description of what it did.
	Summary string `json:"summary,omitempty"`
	// OpenQuestions are present only on coding results that need HIL input.
	OpenQuestions []OpenQuestion `json:"open_questions,omitempty"`
	// Issues are present only on rejected reviews.
	Issues []string `json:"issues,omitempty"`
	// Notes carries optional reviewer commentary.
	Notes string `json:"notes,omitempty"`
}

// Phase identifies the agent invocation role a result belongs to.
type Phase string

const (
	PhaseCoding Phase = "coding"
	PhaseReview Phase = "review"
	PhaseMerger Phase = "merger"
)

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCoding, PhaseReview, PhaseMerger:
		return true
	default:
		return false
	}
}

// NoResult returns the variant used when no readable artifact exists.
func NoResult() *AgentResult {
	return &AgentResult{Kind: ResultNone}
}

// ParseResult parses raw result.json bytes for the given phase.
// It never returns an error for malformed content; unknown shapes are
// reported as ResultNone so callers have a single code path.
func ParseResult(phase Phase, raw []byte) *AgentResult {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return NoResult()
	}
	status := gjson.GetBytes(raw, "status")
	if status.Type != gjson.String {
		return NoResult()
	}

	kind, ok := resultKind(phase, status.String())
	if !ok {
		return NoResult()
	}

	res := &AgentResult{Kind: kind}
	res.Summary = gjson.GetBytes(raw, "summary").String()
	res.Notes = gjson.GetBytes(raw, "notes").String()

	if qs := gjson.GetBytes(raw, "open_questions"); qs.IsArray() {
		// Tolerate partial question objects but keep only those with text.
		var questions []OpenQuestion
		if err := json.Unmarshal([]byte(qs.Raw), &questions); err == nil {
			for _, q := range questions {
				if q.Text != "" {
					res.OpenQuestions = append(res.OpenQuestions, q)
				}
			}
		}
	}

	if is := gjson.GetBytes(raw, "issues"); is.IsArray() {
		for _, v := range is.Array() {
			if v.Type == gjson.String && v.String() != "" {
				res.Issues = append(res.Issues, v.String())
			}
		}
	}

	return res
}

// resultKind maps a phase/status pair onto a variant tag.
func resultKind(phase Phase, status string) (ResultKind, bool) {
	switch phase {
	case PhaseCoding:
		switch status {
		case "success":
			return ResultCodingSuccess, true
		case "failed":
			return ResultCodingFailed, true
		}
	case PhaseReview:
		switch status {
		case "approved":
			return ResultReviewApproved, true
		case "rejected":
			return ResultReviewRejected, true
		}
	case PhaseMerger:
		switch status {
		case "success":
			return ResultMergeSuccess, true
		case "failed":
			return ResultMergeFailed, true
		}
	}
	return ResultNone, false
}

// NeedsClarification reports whether the result should open a HIL gate:
// a coding result carrying at least one open question.
func (r *AgentResult) NeedsClarification() bool {
	return (r.Kind == ResultCodingSuccess || r.Kind == ResultCodingFailed) &&
		len(r.OpenQuestions) > 0
}

// Succeeded reports whether the result is the success variant of its phase.
func (r *AgentResult) Succeeded() bool {
	switch r.Kind {
	case ResultCodingSuccess, ResultReviewApproved, ResultMergeSuccess:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for log lines.
func (r *AgentResult) String() string {
	if r == nil {
		return string(ResultNone)
	}
	return fmt.Sprintf("%s(questions=%d issues=%d)", r.Kind, len(r.OpenQuestions), len(r.Issues))
}

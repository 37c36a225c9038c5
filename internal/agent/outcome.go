package agent

import (
	"os"

	"github.com/opensprint/opensprint/pkg/models"
)

// Interpret maps a finished run plus the agent's result artifact to a
// retry-engine outcome. resultPath points at the artifact the prompt
// told the agent to write; it may be absent.
//
// The file wins when it exists and parses, even on a non-zero exit.
// A cancelled run records no outcome.
func Interpret(run *Result, phase models.Phase, resultPath string) (models.Outcome, *models.AgentResult) {
	switch run.Reason {
	case ReasonCancelled:
		return "", nil
	case ReasonTimeout:
		return models.OutcomeTimeout, nil
	case ReasonSpawnError:
		return models.OutcomeCrash, nil
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		if run.ExitCode != 0 {
			return models.OutcomeCrash, nil
		}
		return models.OutcomeNoResult, nil
	}

	parsed := models.ParseResult(phase, raw)
	switch parsed.Kind {
	case models.ResultCodingSuccess, models.ResultReviewApproved, models.ResultMergeSuccess:
		return models.OutcomeSuccess, parsed
	case models.ResultCodingFailed, models.ResultMergeFailed:
		return models.OutcomeCodingFailure, parsed
	case models.ResultReviewRejected:
		return models.OutcomeReviewRejection, parsed
	default:
		if run.ExitCode != 0 {
			return models.OutcomeCrash, parsed
		}
		return models.OutcomeNoResult, parsed
	}
}

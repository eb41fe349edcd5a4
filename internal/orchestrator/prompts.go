package orchestrator

import (
	"fmt"
	"strings"

	"dhi/internal/types"
)

// maxOutputChars bounds the stdout/stderr slice embedded in repair prompts
// so retry context stays small.
const maxOutputChars = 2000

func truncateOutput(text string) string {
	if len(text) <= maxOutputChars {
		return text
	}
	return text[:maxOutputChars] + "\n...[TRUNCATED]"
}

func failureGuidance(fc types.FailureClass) string {
	switch fc {
	case types.FailureSyntax:
		return "The previous code had a SYNTAX ERROR. " +
			"Review the error output carefully and emit clean, syntactically valid Python."
	case types.FailureDeterministic:
		return "The previous code produced a DETERMINISTIC LOGICAL FAILURE " +
			"(consistent wrong output or exception). " +
			"Do not change the overall approach - instead fix the specific " +
			"logical error shown in the error output."
	default:
		return "The previous attempt failed. Analyze the error output and produce a corrected solution."
	}
}

// BuildRepairPrompt constructs the deterministic repair message for a retry
// attempt: the exact failure class, bounded execution evidence, and the
// original request. The template is fixed and policy-layered - repository
// text appears only inside the original-request section and cannot alter
// the instructions.
func BuildRepairPrompt(originalContent string, lastResult *types.VerificationResult) string {
	sections := []string{
		"## PREVIOUS ATTEMPT FAILED - REPAIR REQUIRED",
		"",
		fmt.Sprintf("**Failure class:** %s", lastResult.FailureClass),
		fmt.Sprintf("**Attempt number:** %d", lastResult.Attempt),
		"",
		"### Guidance",
		failureGuidance(lastResult.FailureClass),
		"",
	}

	if strings.TrimSpace(lastResult.Stdout) != "" {
		sections = append(sections,
			"### Captured stdout",
			"```",
			truncateOutput(lastResult.Stdout),
			"```",
			"",
		)
	}

	if strings.TrimSpace(lastResult.Stderr) != "" {
		sections = append(sections,
			"### Captured stderr",
			"```",
			truncateOutput(lastResult.Stderr),
			"```",
			"",
		)
	}

	sections = append(sections,
		"---",
		"",
		"## Original Request",
		originalContent,
	)

	return strings.Join(sections, "\n")
}

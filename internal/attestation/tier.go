// Package attestation assembles the audit manifest that proves exactly which
// commands ran, their outcomes, and the verification tier achieved. It is
// the only component permitted to mark an outcome verified. Tier claims are
// backed by executed-command evidence; unexecuted checks contribute nothing.
package attestation

import "dhi/internal/types"

// TierFor derives the verification tier from an executed command log.
// The highest level whose commands all executed and passed wins, subject to
// the AI-test rule:
//
//	L0            parse/lint/typecheck executed and passed
//	L1            L0 and at least one user-authored unit test passed
//	L2            L1 and at least one user-authored integration test passed
//	AI_TESTS_ONLY every passing test in the run is AI-authored; overrides
//	              any L1/L2 claim and requires human review
func TierFor(commands []types.CommandRecord) types.Tier {
	var (
		staticExecuted bool
		staticAllPass  = true
		userUnitPass   bool
		userIntegPass  bool
		passingTests   int
		passingAITests int
	)

	for _, cmd := range commands {
		switch cmd.Kind {
		case types.CheckParse, types.CheckLint, types.CheckTypecheck:
			staticExecuted = true
			if !cmd.Passed() {
				staticAllPass = false
			}
		case types.CheckUnit:
			if cmd.Passed() {
				passingTests++
				if cmd.AIAuthored {
					passingAITests++
				} else {
					userUnitPass = true
				}
			}
		case types.CheckIntegration:
			if cmd.Passed() {
				passingTests++
				if cmd.AIAuthored {
					passingAITests++
				} else {
					userIntegPass = true
				}
			}
		case types.CheckAITest:
			if cmd.Passed() {
				passingTests++
				passingAITests++
			}
		}
	}

	// Mandatory override: a run whose only passing tests are AI-authored may
	// never claim L1/L2, whatever else executed.
	if passingTests > 0 && passingTests == passingAITests {
		return types.TierAITestsOnly
	}

	l0 := staticExecuted && staticAllPass
	if l0 && userUnitPass && userIntegPass {
		return types.TierL2
	}
	if l0 && userUnitPass {
		return types.TierL1
	}
	if l0 {
		return types.TierL0
	}
	return types.TierNone
}

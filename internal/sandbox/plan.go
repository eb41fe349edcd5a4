package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"dhi/internal/types"
)

// Check is one declared command in the verification plan.
type Check struct {
	Name       string
	Kind       types.CheckKind
	Argv       []string
	AIAuthored bool
}

// Plan is the ordered command sequence a run executes: parse/lint, static
// type check, user-authored unit tests, user-authored integration tests,
// AI-authored tests. Commands not run because of an earlier failure or
// budget exhaustion are recorded as skipped checks.
type Plan struct {
	Checks []Check
}

// Hash returns the command-set hash for this plan: SHA-256 over the ordered
// names and argv. The determinism gate compares it against the expected plan
// for the request class.
func (p Plan) Hash() string {
	var b strings.Builder
	for _, c := range p.Checks {
		b.WriteString(c.Name)
		b.WriteByte('\x1f')
		b.WriteString(strings.Join(c.Argv, "\x1f"))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CommandNames returns the ordered check names, for manifest command logs.
func (p Plan) CommandNames() []string {
	names := make([]string, 0, len(p.Checks))
	for _, c := range p.Checks {
		names = append(names, c.Name)
	}
	return names
}

// PlanOptions declares the optional test stages for a request. The base
// stages (parse + execute) are always present for a Python candidate.
type PlanOptions struct {
	// UnitTestArgv runs the pre-existing user-authored unit tests.
	UnitTestArgv []string

	// IntegrationTestArgv runs the pre-existing integration/e2e tests.
	IntegrationTestArgv []string

	// AITestArgv runs AI-authored tests. These contribute only to the
	// AI_TESTS_ONLY tier, never to L1/L2.
	AITestArgv []string
}

// candidateFile is the path of the candidate inside the source mount.
const candidateFile = sourceMount + "/candidate.py"

// PlanForCandidate builds the command plan for a Python candidate.
// Fast mode stops after the parse and execute stages regardless of options.
func PlanForCandidate(mode types.Mode, opts PlanOptions) Plan {
	checks := []Check{
		{
			Name: "py-parse",
			Kind: types.CheckParse,
			Argv: []string{"python", "-m", "py_compile", candidateFile},
		},
		{
			Name: "candidate-exec",
			Kind: types.CheckRun,
			Argv: []string{"python", candidateFile},
		},
	}

	if mode == types.ModeFast {
		return Plan{Checks: checks}
	}

	if len(opts.UnitTestArgv) > 0 {
		checks = append(checks, Check{
			Name: "user-unit-tests",
			Kind: types.CheckUnit,
			Argv: opts.UnitTestArgv,
		})
	}
	if len(opts.IntegrationTestArgv) > 0 {
		checks = append(checks, Check{
			Name: "user-integration-tests",
			Kind: types.CheckIntegration,
			Argv: opts.IntegrationTestArgv,
		})
	}
	if len(opts.AITestArgv) > 0 {
		checks = append(checks, Check{
			Name:       "ai-tests",
			Kind:       types.CheckAITest,
			Argv:       opts.AITestArgv,
			AIAuthored: true,
		})
	}

	return Plan{Checks: checks}
}

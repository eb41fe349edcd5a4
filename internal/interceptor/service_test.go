package interceptor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dhi/internal/sandbox"
	"dhi/internal/slicer"
	"dhi/internal/types"
)

// fakeGateway returns a scripted raw response.
type fakeGateway struct {
	response string
	err      error
	prompts  []types.ContextPayload
}

func (f *fakeGateway) Generate(ctx context.Context, payload types.ContextPayload) (string, error) {
	f.prompts = append(f.prompts, payload)
	return f.response, f.err
}

// fakeSandbox records the code it received and returns a passing result.
type fakeSandbox struct {
	lastReq sandbox.RunRequest
}

func (f *fakeSandbox) Run(ctx context.Context, req sandbox.RunRequest) (*types.VerificationResult, error) {
	f.lastReq = req
	return &types.VerificationResult{
		RequestID:     req.RequestID,
		CandidateID:   req.CandidateID,
		Attempt:       req.Attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          req.Mode,
		Status:        types.StatusPass,
		Tier:          types.TierL0,
		FailureClass:  types.FailureNone,
		Commands: []types.CommandRecord{
			{Name: "py-parse", Kind: types.CheckParse, ExitCode: 0},
		},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
	}, nil
}

func newServiceUnderTest(t *testing.T, gw *fakeGateway) (*Service, *fakeSandbox) {
	t.Helper()
	s := slicer.New()
	t.Cleanup(s.Close)
	runner := &fakeSandbox{}
	return NewService(gw, NewExtractor(s), runner, sandbox.PlanOptions{}), runner
}

func TestProcessHappyPath(t *testing.T) {
	gw := &fakeGateway{response: `{"language": "python", "code": "print(2)", "notes": "trivial"}`}
	svc, runner := newServiceUnderTest(t, gw)

	resp, err := svc.Process(context.Background(), types.ContextPayload{
		RequestID: "req-ok",
		Attempt:   1,
		Content:   "print two",
	}, types.ModeBalanced)
	require.NoError(t, err)

	require.True(t, resp.ExtractionSuccess)
	require.Equal(t, "trivial", resp.LLMNotes)
	require.NotNil(t, resp.VerificationResult)
	require.Equal(t, types.StatusPass, resp.VerificationResult.Status)
	require.Equal(t, "print(2)", runner.lastReq.Code)
	require.NotEmpty(t, runner.lastReq.CandidateID)
}

func TestProcessGovernanceBlockSkipsCloudCall(t *testing.T) {
	gw := &fakeGateway{response: "should never be used"}
	svc, _ := newServiceUnderTest(t, gw)

	resp, err := svc.Process(context.Background(), types.ContextPayload{
		RequestID: "req-blocked",
		Attempt:   1,
		Files:     []string{"/etc/passwd"},
		Content:   "read it",
	}, types.ModeBalanced)
	require.NoError(t, err)

	require.True(t, resp.Audit.Blocked)
	require.Nil(t, resp.VerificationResult)
	require.Empty(t, gw.prompts, "blocked requests must never reach the gateway")
}

func TestProcessSecretLeakBlocksEgress(t *testing.T) {
	gw := &fakeGateway{response: "should never be used"}
	svc, _ := newServiceUnderTest(t, gw)

	resp, err := svc.Process(context.Background(), types.ContextPayload{
		RequestID: "req-secret",
		Attempt:   1,
		Content:   `deploy with api_key = "sk_live_0123456789abcdefg"`,
	}, types.ModeBalanced)
	require.NoError(t, err)

	require.True(t, resp.Audit.SecretLeakDetected)
	require.Empty(t, gw.prompts, "a confirmed leak must block the cloud call entirely")
}

func TestProcessExtractionFailureReported(t *testing.T) {
	gw := &fakeGateway{response: "no code here, sorry"}
	svc, _ := newServiceUnderTest(t, gw)

	resp, err := svc.Process(context.Background(), types.ContextPayload{
		RequestID: "req-nocode",
		Attempt:   1,
		Content:   "write code",
	}, types.ModeBalanced)
	require.NoError(t, err)

	require.False(t, resp.ExtractionSuccess)
	require.NotEmpty(t, resp.ExtractionError)
	require.Nil(t, resp.VerificationResult)
}

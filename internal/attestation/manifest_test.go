package attestation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"dhi/internal/types"
)

func passingResult() *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     "req-1",
		Attempt:       1,
		SchemaVersion: types.SchemaVersion,
		Mode:          types.ModeBalanced,
		Status:        types.StatusPass,
		Tier:          types.TierL1,
		FailureClass:  types.FailureNone,
		ExitCode:      0,
		DurationMS:    1234,
		Commands: []types.CommandRecord{
			cmd(types.CheckParse, 0, false),
			cmd(types.CheckUnit, 0, false),
		},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{"artifacts/req-1/attempt-1/py-parse.log"},
	}
}

func TestBuildVerifiedManifest(t *testing.T) {
	m := Build(passingResult(), 1, 0, types.NoViolation)

	require.Equal(t, FinalVerified, m.FinalStatus)
	require.Equal(t, types.TierL1, m.Tier)
	require.False(t, m.HumanReviewRequired)
	require.Equal(t, 1, m.AttemptCount)
	require.Equal(t, 0, m.RetryCount)
	require.NoError(t, m.Complete())
}

func TestBuildFailedManifestCarriesTerminalEvent(t *testing.T) {
	result := &types.VerificationResult{
		RequestID:     "req-2",
		Attempt:       3,
		Mode:          types.ModeBalanced,
		Status:        types.StatusFail,
		Tier:          types.TierNone,
		FailureClass:  types.FailureDeterministic,
		ExitCode:      1,
		Commands:      []types.CommandRecord{cmd(types.CheckParse, 0, false), cmd(types.CheckRun, 1, false)},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
	}

	m := Build(result, 3, 2, types.MaxRetriesExceeded)
	require.Equal(t, FinalFailed, m.FinalStatus)
	require.Equal(t, types.MaxRetriesExceeded, m.TerminalEvent)
	require.Equal(t, 3, m.AttemptCount)
	require.Equal(t, 2, m.RetryCount)
}

func TestManifestAITestsOnlyRequiresHumanReview(t *testing.T) {
	// An AI_TESTS_ONLY tier always carries the human-review-required flag.
	result := passingResult()
	result.Tier = types.TierAITestsOnly
	result.Commands = []types.CommandRecord{
		cmd(types.CheckParse, 0, false),
		cmd(types.CheckAITest, 0, true),
	}

	m := Build(result, 1, 0, types.NoViolation)
	require.True(t, m.HumanReviewRequired)
	require.NoError(t, m.Complete())
}

func TestManifestCompleteRejectsUnbackedTierClaim(t *testing.T) {
	// A verified manifest must map its tier claim to logged commands.
	m := Build(passingResult(), 1, 0, types.NoViolation)
	m.Tier = types.TierL2 // claim without integration-test evidence

	err := m.Complete()
	require.ErrorIs(t, err, ErrManifestIncomplete)
}

func TestManifestCompleteRejectsBadCounts(t *testing.T) {
	m := Build(passingResult(), 1, 0, types.NoViolation)
	m.RetryCount = 2

	require.ErrorIs(t, m.Complete(), ErrManifestIncomplete)
}

func TestManifestRoundTrip(t *testing.T) {
	// Serializing and reparsing a manifest yields an equal structure.
	original := Build(passingResult(), 2, 1, types.NoViolation)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var reparsed Manifest
	require.NoError(t, json.Unmarshal(data, &reparsed))

	if diff := cmp.Diff(*original, reparsed); diff != "" {
		t.Fatalf("manifest round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStorePutGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	m := Build(passingResult(), 1, 0, types.NoViolation)
	ref, err := store.Put(m)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	loaded, err := store.Get("req-1")
	require.NoError(t, err)
	if diff := cmp.Diff(*m, *loaded); diff != "" {
		t.Fatalf("stored manifest mismatch (-want +got):\n%s", diff)
	}

	gotRef, err := store.Ref("req-1")
	require.NoError(t, err)
	require.Equal(t, ref, gotRef)
}

func TestStoreIsAppendOnly(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	m := Build(passingResult(), 1, 0, types.NoViolation)
	_, err = store.Put(m)
	require.NoError(t, err)

	_, err = store.Put(m)
	require.True(t, errors.Is(err, ErrAlreadyStored), "second Put must be rejected, got %v", err)
}

func TestStoreGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSurvivesReopen(t *testing.T) {
	// Manifest identity is stable across process restarts.
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	m := Build(passingResult(), 1, 0, types.NoViolation)
	ref, err := store.Put(m)
	require.NoError(t, err)

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	loaded, err := reopened.Get("req-1")
	require.NoError(t, err)
	if diff := cmp.Diff(*m, *loaded); diff != "" {
		t.Fatalf("manifest changed across reopen (-want +got):\n%s", diff)
	}
	gotRef, err := reopened.Ref("req-1")
	require.NoError(t, err)
	require.Equal(t, ref, gotRef)
}

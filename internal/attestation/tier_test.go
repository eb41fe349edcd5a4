package attestation

import (
	"testing"

	"dhi/internal/types"
)

func cmd(kind types.CheckKind, exitCode int, ai bool) types.CommandRecord {
	return types.CommandRecord{Name: string(kind), Kind: kind, ExitCode: exitCode, AIAuthored: ai}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		name     string
		commands []types.CommandRecord
		want     types.Tier
	}{
		{
			name:     "parse_only_is_L0",
			commands: []types.CommandRecord{cmd(types.CheckParse, 0, false)},
			want:     types.TierL0,
		},
		{
			name: "user_unit_tests_confer_L1",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckUnit, 0, false),
			},
			want: types.TierL1,
		},
		{
			name: "integration_confers_L2",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckUnit, 0, false),
				cmd(types.CheckIntegration, 0, false),
			},
			want: types.TierL2,
		},
		{
			name: "integration_without_unit_stays_L0",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckIntegration, 0, false),
			},
			want: types.TierL0,
		},
		{
			name: "ai_only_tests_override_everything",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckAITest, 0, true),
			},
			want: types.TierAITestsOnly,
		},
		{
			name: "ai_authored_unit_tests_do_not_confer_L1",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckUnit, 0, true),
			},
			want: types.TierAITestsOnly,
		},
		{
			name: "mixed_tests_use_the_user_evidence",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckUnit, 0, false),
				cmd(types.CheckAITest, 0, true),
			},
			want: types.TierL1,
		},
		{
			name: "failed_parse_blocks_all_tiers",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 1, false),
			},
			want: types.TierNone,
		},
		{
			name: "failed_tests_contribute_nothing",
			commands: []types.CommandRecord{
				cmd(types.CheckParse, 0, false),
				cmd(types.CheckUnit, 1, false),
			},
			want: types.TierL0,
		},
		{
			name:     "no_commands_no_tier",
			commands: nil,
			want:     types.TierNone,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TierFor(tc.commands); got != tc.want {
				t.Fatalf("TierFor() = %s, want %s", got, tc.want)
			}
		})
	}
}

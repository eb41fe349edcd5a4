package veil

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleFingerprint() EnvironmentFingerprint {
	return EnvironmentFingerprint{
		ImageDigest: "sha256:abc",
		ToolchainVersions: map[string]string{
			"go":     "go1.24.0",
			"python": "3.12.1",
		},
		LockfileHashes: map[string]string{
			"uv.lock":          "aaa",
			"requirements.txt": "bbb",
		},
		CommandSetHash:   HashString("py-parse\ncandidate-exec"),
		EnvAllowlistHash: HashString("NVIDIA_API_KEY\nOPENAI_API_KEY"),
	}
}

func TestFingerprintHashDeterministic(t *testing.T) {
	a := sampleFingerprint()
	b := sampleFingerprint()
	if a.Hash() != b.Hash() {
		t.Fatal("identical fingerprints must hash identically")
	}
	if !a.Equal(b) {
		t.Fatal("identical fingerprints must compare equal")
	}
}

func TestFingerprintHashIgnoresMapOrder(t *testing.T) {
	a := sampleFingerprint()
	b := sampleFingerprint()
	// Rebuild maps in a different insertion order.
	b.ToolchainVersions = map[string]string{
		"python": "3.12.1",
		"go":     "go1.24.0",
	}
	if a.Hash() != b.Hash() {
		t.Fatal("canonical serialization must be order independent")
	}
}

func TestFingerprintHashChangesWithInputs(t *testing.T) {
	base := sampleFingerprint()

	mutations := []func(*EnvironmentFingerprint){
		func(f *EnvironmentFingerprint) { f.ImageDigest = "sha256:other" },
		func(f *EnvironmentFingerprint) { f.ToolchainVersions["go"] = "go1.23.0" },
		func(f *EnvironmentFingerprint) { f.LockfileHashes["uv.lock"] = "ccc" },
		func(f *EnvironmentFingerprint) { f.CommandSetHash = HashString("other") },
		func(f *EnvironmentFingerprint) { f.EnvAllowlistHash = HashString("other") },
	}

	for i, mutate := range mutations {
		fp := sampleFingerprint()
		mutate(&fp)
		if fp.Hash() == base.Hash() {
			t.Errorf("mutation %d did not change the hash", i)
		}
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	lockfile := filepath.Join(dir, "uv.lock")
	if err := os.WriteFile(lockfile, []byte("pinned deps"), 0644); err != nil {
		t.Fatal(err)
	}

	fp, err := Generate(GenerateOptions{
		ImageDigest: "sha256:img",
		Lockfiles:   []string{lockfile, filepath.Join(dir, "missing.lock")},
		Commands:    []string{"py-parse", "candidate-exec"},
		AllowedEnv:  []string{"B_KEY", "A_KEY"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if fp.LockfileHashes["uv.lock"] == "" {
		t.Fatal("present lockfile must be hashed")
	}
	if fp.LockfileHashes["missing.lock"] != "" {
		t.Fatal("missing lockfile must hash to empty string")
	}

	// Allowlist order must not matter.
	fp2, err := Generate(GenerateOptions{
		ImageDigest: "sha256:img",
		Lockfiles:   []string{lockfile, filepath.Join(dir, "missing.lock")},
		Commands:    []string{"py-parse", "candidate-exec"},
		AllowedEnv:  []string{"A_KEY", "B_KEY"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fp.EnvAllowlistHash != fp2.EnvAllowlistHash {
		t.Fatal("env allowlist hash must be order independent")
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")

	_, found, err := LoadBaseline(path)
	if err != nil || found {
		t.Fatalf("LoadBaseline on missing file = (found=%v, err=%v)", found, err)
	}

	original := sampleFingerprint()
	if err := SaveBaseline(path, original); err != nil {
		t.Fatal(err)
	}

	loaded, found, err := LoadBaseline(path)
	if err != nil || !found {
		t.Fatalf("LoadBaseline = (found=%v, err=%v)", found, err)
	}
	if !loaded.Equal(original) {
		t.Fatal("baseline must round-trip to an equal fingerprint")
	}
}

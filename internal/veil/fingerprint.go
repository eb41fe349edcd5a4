// Package veil implements the memory surface of Dhi: the environment
// fingerprint, the determinism gate, and the event ledger. The ledger is the
// only store the memory system may learn from, and the gate ensures it
// learns only from reproducible signal.
package veil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
)

// EnvironmentFingerprint is a deterministic snapshot of the environment that
// produced a run: runtime image, toolchain versions, lockfile hashes, the
// command-set hash, and the hash of allowed environment variable names
// (names only - values may contain secrets).
type EnvironmentFingerprint struct {
	ImageDigest       string            `json:"image_digest"`
	ToolchainVersions map[string]string `json:"toolchain_versions"`
	LockfileHashes    map[string]string `json:"lockfile_hashes"`
	CommandSetHash    string            `json:"command_set_hash"`
	EnvAllowlistHash  string            `json:"env_allowlist_hash"`
}

// Hash collapses the fingerprint tuple to a single digest:
//
//	H(image_digest || canonical(toolchain) || canonical(lockfiles) || command_set_hash || env_allowlist_hash)
//
// canonical sorts keys lexicographically and serializes k=v rows. Pure and
// side-effect free.
func (f EnvironmentFingerprint) Hash() string {
	h := sha256.New()
	io.WriteString(h, f.ImageDigest)
	io.WriteString(h, "\x00")
	io.WriteString(h, canonicalMap(f.ToolchainVersions))
	io.WriteString(h, "\x00")
	io.WriteString(h, canonicalMap(f.LockfileHashes))
	io.WriteString(h, "\x00")
	io.WriteString(h, f.CommandSetHash)
	io.WriteString(h, "\x00")
	io.WriteString(h, f.EnvAllowlistHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports fingerprint parity by digest.
func (f EnvironmentFingerprint) Equal(other EnvironmentFingerprint) bool {
	return f.Hash() == other.Hash()
}

func canonicalMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// HashString returns the lowercase hex SHA-256 of a UTF-8 string.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashFile returns the SHA-256 of a file, or empty string if it does not
// exist. Unreadable files that do exist are an error.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenerateOptions control fingerprint collection.
type GenerateOptions struct {
	// ImageDigest is the sandbox image digest (or a proxy for it, such as a
	// hash of the image build definition).
	ImageDigest string

	// Lockfiles are paths hashed into the fingerprint, keyed by basename.
	Lockfiles []string

	// Commands is the declared command plan, hashed in order.
	Commands []string

	// AllowedEnv is the environment variable allowlist; only the sorted
	// names are hashed.
	AllowedEnv []string
}

// Generate collects a fingerprint from the current runtime environment.
// Called once at startup to establish or compare against the project
// baseline. Collection does I/O; the resulting Hash is pure.
func Generate(opts GenerateOptions) (EnvironmentFingerprint, error) {
	lockHashes := make(map[string]string, len(opts.Lockfiles))
	for _, path := range opts.Lockfiles {
		h, err := HashFile(path)
		if err != nil {
			return EnvironmentFingerprint{}, fmt.Errorf("failed to hash lockfile %s: %w", path, err)
		}
		lockHashes[baseName(path)] = h
	}

	names := append([]string(nil), opts.AllowedEnv...)
	sort.Strings(names)

	return EnvironmentFingerprint{
		ImageDigest: opts.ImageDigest,
		ToolchainVersions: map[string]string{
			"go": runtime.Version(),
		},
		LockfileHashes:   lockHashes,
		CommandSetHash:   HashString(strings.Join(opts.Commands, "\n")),
		EnvAllowlistHash: HashString(strings.Join(names, "\n")),
	}, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// LoadBaseline reads the persisted project baseline fingerprint.
func LoadBaseline(path string) (EnvironmentFingerprint, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EnvironmentFingerprint{}, false, nil
		}
		return EnvironmentFingerprint{}, false, err
	}
	var fp EnvironmentFingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return EnvironmentFingerprint{}, false, fmt.Errorf("failed to parse baseline: %w", err)
	}
	return fp, true, nil
}

// SaveBaseline persists the baseline fingerprint. The baseline is written
// once per project; later runs only compare against it.
func SaveBaseline(path string, fp EnvironmentFingerprint) error {
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/logging"
	"dhi/internal/types"
)

// ErrBackpressure is returned when no sandbox slot frees up within the
// bounded queue wait. It is an infrastructure fault, not a pipeline outcome,
// and is never retryable by the circuit breaker.
var ErrBackpressure = errors.New("sandbox concurrency cap reached, queue wait exceeded")

// Executor runs candidate command plans inside hardened containers via the
// container engine CLI. It owns sandbox handles and artifact paths during
// execution; the caller receives only values.
type Executor struct {
	mu  sync.RWMutex
	cfg config.SandboxConfig

	enginePath string
	available  bool

	kvmPresent bool

	sem       *semaphore.Weighted
	queueWait time.Duration

	netPolicy NetworkPolicy
}

// RunRequest describes one sandbox run: the candidate code and the declared
// command plan for a single attempt.
type RunRequest struct {
	RequestID   string
	CandidateID string
	Attempt     int
	Mode        types.Mode
	Code        string
	Plan        Plan
}

// New creates an executor and probes the container engine and strict-mode
// prerequisites.
func New(cfg config.SandboxConfig, policy NetworkPolicy) *Executor {
	e := &Executor{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		queueWait: time.Duration(cfg.QueueWaitS) * time.Second,
		netPolicy: policy,
	}
	e.detectEngine()
	e.detectKVM()
	return e
}

// detectEngine locates the docker binary and verifies the daemon responds.
func (e *Executor) detectEngine() {
	path, err := exec.LookPath("docker")
	if err != nil {
		e.available = false
		logging.SandboxWarn("container engine not found in PATH")
		return
	}
	e.enginePath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		e.available = false
		logging.SandboxWarn("container engine unresponsive: %v", err)
		return
	}
	e.available = true
	logging.Sandbox("container engine available at %s", path)
}

// detectKVM probes for hardware virtualization support.
func (e *Executor) detectKVM() {
	if _, err := os.Stat("/dev/kvm"); err == nil {
		e.kvmPresent = true
	}
}

// Available reports whether the balanced backend can execute.
func (e *Executor) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available
}

// StrictAvailable reports whether the strict (microVM) profile can execute:
// hardware virtualization plus a configured microVM runtime.
func (e *Executor) StrictAvailable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available && e.kvmPresent && e.cfg.StrictRuntimePath != ""
}

// Run executes the request's command plan and returns a structurally
// complete VerificationResult. The only non-nil errors are ErrBackpressure
// and context cancellation; every other outcome, including internal executor
// errors, is reported inside the result (fail closed, deterministic class
// with an explanatory stderr).
func (e *Executor) Run(ctx context.Context, req RunRequest) (*types.VerificationResult, error) {
	start := time.Now()
	log := logging.WithRequestID(logging.CategorySandbox, req.RequestID)
	log.Info("sandbox run: attempt=%d mode=%s checks=%d", req.Attempt, req.Mode, len(req.Plan.Checks))

	if !req.Mode.Valid() {
		return e.failureResult(req, start, types.FailureDeterministic, types.NoViolation,
			fmt.Sprintf("unknown verification mode %q", req.Mode)), nil
	}
	if len(req.Plan.Checks) == 0 {
		// A pass needs executed-command evidence; an empty plan can never
		// produce any.
		return e.failureResult(req, start, types.FailureDeterministic, types.NoViolation,
			"empty command plan: nothing to execute"), nil
	}

	// Mode gating is checked before any slot is consumed: never downgrade.
	if e.cfg.RequireStrict && req.Mode != types.ModeStrict {
		return e.failureResult(req, start, types.FailurePolicy, types.StrictModeRequired,
			"policy mandates strict mode for this project; request a strict-mode run"), nil
	}
	if req.Mode == types.ModeStrict && !e.StrictAvailable() {
		event := types.StrictModeUnavailable
		if e.cfg.RequireStrict {
			event = types.StrictModeRequired
		}
		return e.failureResult(req, start, types.FailurePolicy, event,
			"strict mode unavailable: requires hardware virtualization and a configured microVM runtime"), nil
	}
	if !e.Available() {
		return e.failureResult(req, start, types.FailurePolicy, types.StrictModeUnavailable,
			"sandbox backend unavailable: container engine not responding"), nil
	}

	// Bounded queue for a live-sandbox slot.
	if err := e.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	scratch, err := newScratch(req.Code)
	if err != nil {
		return e.failureResult(req, start, types.FailureDeterministic, types.NoViolation,
			fmt.Sprintf("failed to stage candidate source: %v", err)), nil
	}
	defer scratch.Release()

	limits := LimitsFor(req.Mode)
	deadline := start.Add(limits.RequestBudget)

	var (
		commands  []types.CommandRecord
		skipped   []types.SkippedCheck
		artifacts []string
		violation = types.NoViolation
		class     = types.FailureNone
	)

	for i, check := range req.Plan.Checks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			// Budget exhausted mid-attempt terminates the run as a timeout.
			violation, class = types.TimeoutViolation, types.FailureTimeout
			skipped = append(skipped, skipRemaining(req.Plan.Checks[i:], "verification budget exhausted")...)
			break
		}

		cmdTimeout := limits.CommandTimeout
		if remaining < cmdTimeout {
			cmdTimeout = remaining
		}

		rec, timedOut, capped, runErr := e.runCommand(ctx, req.Mode, check, scratch.srcDir, limits, cmdTimeout)
		commands = append(commands, rec)

		if ref, aerr := e.writeArtifact(req, rec); aerr == nil && ref != "" {
			artifacts = append(artifacts, ref)
		}

		if ctx.Err() != nil {
			// Cancellation: the runtime was killed with prejudice; the caller
			// owns the cancelled-manifest and telemetry-only ledger writes.
			res := e.failureResult(req, start, types.FailureTimeout, types.TimeoutViolation, "run cancelled")
			res.Commands = commands
			res.SkippedChecks = append(skipped, skipRemaining(req.Plan.Checks[i+1:], "run cancelled")...)
			res.Artifacts = artifacts
			return res, ctx.Err()
		}

		if runErr != nil {
			violation, class = types.NoViolation, types.FailureDeterministic
			skipped = append(skipped, skipRemaining(req.Plan.Checks[i+1:], "executor error on "+check.Name)...)
			rec.Stderr = fmt.Sprintf("executor error: %v", runErr)
			commands[len(commands)-1] = rec
			break
		}

		v, fc := Classify(rec.ExitCode, rec.Stdout, rec.Stderr, timedOut, capped)
		if fc != types.FailureNone {
			violation, class = v, fc
			skipped = append(skipped, skipRemaining(req.Plan.Checks[i+1:], "earlier failure: "+check.Name)...)
			log.Warn("check %s failed: class=%s event=%s exit=%d", check.Name, fc, v, rec.ExitCode)
			break
		}
		log.Debug("check %s passed in %dms", check.Name, rec.DurationMS)
	}

	result := &types.VerificationResult{
		RequestID:     req.RequestID,
		CandidateID:   req.CandidateID,
		Attempt:       req.Attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          req.Mode,
		Tier:          types.TierNone,
		FailureClass:  class,
		TerminalEvent: violation,
		DurationMS:    time.Since(start).Milliseconds(),
		Commands:      commands,
		SkippedChecks: ensureSkipped(skipped),
		Artifacts:     ensureStrings(artifacts),
		CreatedAt:     time.Now().UTC(),
	}

	if len(commands) > 0 {
		last := commands[len(commands)-1]
		result.ExitCode = last.ExitCode
		result.Stdout = last.Stdout
		result.Stderr = last.Stderr
	}

	if class == types.FailureNone {
		result.Status = types.StatusPass
		result.Tier = attestation.TierFor(commands)
	} else {
		result.Status = types.StatusFail
	}

	log.Info("sandbox run finished: status=%s class=%s tier=%s duration=%dms",
		result.Status, result.FailureClass, result.Tier, result.DurationMS)
	return result, nil
}

// acquireSlot waits up to the configured queue bound for a sandbox slot.
func (e *Executor) acquireSlot(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.queueWait)
	defer cancel()

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBackpressure
	}
	return nil
}

// runCommand executes one plan check inside a fresh container.
func (e *Executor) runCommand(ctx context.Context, mode types.Mode, check Check, srcDir string, limits Limits, timeout time.Duration) (types.CommandRecord, bool, bool, error) {
	args := e.buildEngineArgs(mode, check, srcDir, limits)

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(cmdCtx, e.enginePath, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: limits.OutputCapBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: limits.OutputCapBytes}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	started := time.Now()
	err := execCmd.Run()
	elapsed := time.Since(started)

	rec := types.CommandRecord{
		Name:       check.Name,
		Kind:       check.Kind,
		Argv:       check.Argv,
		DurationMS: elapsed.Milliseconds(),
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		AIAuthored: check.AIAuthored,
	}

	timedOut := cmdCtx.Err() == context.DeadlineExceeded
	capped := stdoutLimited.truncated || stderrLimited.truncated

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case timedOut || cmdCtx.Err() == context.Canceled:
			rec.ExitCode = -1
		case errors.As(err, &exitErr):
			rec.ExitCode = exitErr.ExitCode()
		default:
			rec.ExitCode = -1
			return rec, timedOut, capped, err
		}
	}

	return rec, timedOut, capped, nil
}

// buildEngineArgs constructs the container run arguments enforcing the
// isolation contract: default-deny network, read-only root and source mount,
// size-capped tmpfs scratch as the only writable path, and runtime-enforced
// resource caps.
func (e *Executor) buildEngineArgs(mode types.Mode, check Check, srcDir string, limits Limits) []string {
	args := []string{"run", "--rm"}

	if mode == types.ModeStrict && e.cfg.StrictRuntimePath != "" {
		args = append(args, "--runtime", e.cfg.StrictRuntimePath)
	}

	// network none still provides a loopback interface inside the namespace,
	// which is exactly the fixture allowance: loopback-only, zero egress.
	args = append(args,
		"--network", "none",
		"--read-only",
		"-v", srcDir+":"+sourceMount+":ro",
		"--tmpfs", fmt.Sprintf("%s:rw,noexec,nosuid,size=%dm,mode=1777", scratchPath, limits.ScratchCapMB),
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--cpus", strconv.FormatFloat(limits.CPUs, 'f', -1, 64),
		"--pids-limit", strconv.Itoa(limits.PidsLimit),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
		"-w", scratchPath,
	)

	args = append(args, e.cfg.Image)
	args = append(args, check.Argv...)
	return args
}

// writeArtifact persists a command's captured output to the durable
// per-request artifact directory and returns its path.
func (e *Executor) writeArtifact(req RunRequest, rec types.CommandRecord) (string, error) {
	if e.cfg.ArtifactsDir == "" {
		return "", nil
	}
	dir := filepath.Join(e.cfg.ArtifactsDir, req.RequestID, fmt.Sprintf("attempt-%d", req.Attempt))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, rec.Name+".log")
	content := fmt.Sprintf("exit_code=%d duration_ms=%d\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
		rec.ExitCode, rec.DurationMS, rec.Stdout, rec.Stderr)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// failureResult builds a structurally complete failed VerificationResult.
func (e *Executor) failureResult(req RunRequest, start time.Time, class types.FailureClass, event types.ViolationEvent, stderr string) *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     req.RequestID,
		CandidateID:   req.CandidateID,
		Attempt:       req.Attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          req.Mode,
		Status:        types.StatusFail,
		Tier:          types.TierNone,
		FailureClass:  class,
		TerminalEvent: event,
		ExitCode:      -1,
		DurationMS:    time.Since(start).Milliseconds(),
		Stderr:        stderr,
		Commands:      []types.CommandRecord{},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
		CreatedAt:     time.Now().UTC(),
	}
}

// scratch is the scoped handle for staged candidate source. Release is safe
// on every exit path; the tmpfs scratch inside the runtime dies with the
// container.
type scratch struct {
	srcDir   string
	released bool
	mu       sync.Mutex
}

func newScratch(code string) (*scratch, error) {
	dir, err := os.MkdirTemp("", "dhi-src-")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "candidate.py"), []byte(code), 0444); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &scratch{srcDir: dir}, nil
}

// Release destroys the staged source directory. Idempotent.
func (s *scratch) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if err := os.RemoveAll(s.srcDir); err != nil {
		logging.SandboxWarn("failed to remove staged source %s: %v", s.srcDir, err)
	}
}

func skipRemaining(checks []Check, reason string) []types.SkippedCheck {
	out := make([]types.SkippedCheck, 0, len(checks))
	for _, c := range checks {
		out = append(out, types.SkippedCheck{Name: c.Name, Reason: reason})
	}
	return out
}

func ensureSkipped(in []types.SkippedCheck) []types.SkippedCheck {
	if in == nil {
		return []types.SkippedCheck{}
	}
	return in
}

func ensureStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

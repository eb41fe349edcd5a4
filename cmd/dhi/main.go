package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/logging"
	"dhi/internal/sandbox"
	"dhi/internal/server"
	"dhi/internal/slicer"
	"dhi/internal/types"
	"dhi/internal/veil"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// envAllowlist is the fixed set of environment variable names that may
// influence a run; only the names are fingerprinted, never the values.
var envAllowlist = []string{
	"OPENAI_API_KEY",
	"NVIDIA_API_KEY",
	"NVIDIA_API_BASE",
	"DHI_DB",
	"DHI_MANIFEST_DIR",
	"DHI_SANDBOX_IMAGE",
}

// lockfileCandidates are hashed into the environment fingerprint when
// present in the workspace.
var lockfileCandidates = []string{
	"uv.lock",
	"requirements.txt",
	"poetry.lock",
	"go.sum",
}

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "dhi",
	Short: "Dhi - verified cognitive middleware between your IDE and frontier LLMs",
	Long: `Dhi interposes between an IDE and a cloud LLM. It enriches requests with
deterministic local context, executes the model's candidate inside a hardened
local sandbox, retries on recoverable failure within a bounded budget, and
returns only candidates proven to pass, together with a tamper-evident
attestation manifest.

No claim of success is emitted without an execution artifact proving it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// serveCmd runs the HTTP control plane.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Dhi HTTP surface",
	RunE:  runServe,
}

// verifyCmd runs a single candidate file through the sandbox.
var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Run one candidate file through the sandbox and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

// fingerprintCmd prints the current environment fingerprint.
var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the environment fingerprint and its hash",
	RunE:  runFingerprint,
}

var verifyMode string

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	verifyCmd.Flags().StringVarP(&verifyMode, "mode", "m", "balanced", "verification mode (fast, balanced, strict)")

	rootCmd.AddCommand(serveCmd, verifyCmd, fingerprintCmd)
}

// bootstrap loads config and initializes logging for a workspace.
func bootstrap() (*config.Config, error) {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(ws); err != nil {
		return nil, err
	}
	return cfg, nil
}

// currentFingerprint collects the environment fingerprint for a workspace.
func currentFingerprint(cfg *config.Config, plan sandbox.Plan) (veil.EnvironmentFingerprint, error) {
	var lockfiles []string
	for _, name := range lockfileCandidates {
		path := filepath.Join(cfg.Workspace, name)
		if _, err := os.Stat(path); err == nil {
			lockfiles = append(lockfiles, path)
		}
	}

	return veil.Generate(veil.GenerateOptions{
		ImageDigest: veil.HashString(cfg.Sandbox.Image),
		Lockfiles:   lockfiles,
		Commands:    plan.CommandNames(),
		AllowedEnv:  envAllowlist,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	ledger, err := veil.Open(cfg.Veil.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	manifests, err := attestation.NewStore(cfg.Attestation.ManifestDir)
	if err != nil {
		return err
	}

	netPolicy, err := sandbox.LoadNetworkPolicy(filepath.Join(cfg.Workspace, ".dhi", "netpolicy.yaml"))
	if err != nil {
		return err
	}

	executor := sandbox.New(cfg.Sandbox, netPolicy)
	contextSlicer := slicer.New()
	defer contextSlicer.Close()

	plan := sandbox.PlanForCandidate(types.Mode(cfg.Sandbox.DefaultMode), sandbox.PlanOptions{})
	fingerprint, err := currentFingerprint(cfg, plan)
	if err != nil {
		return err
	}

	// The baseline is persisted once per project; later runs only compare.
	baseline, found, err := veil.LoadBaseline(cfg.Veil.BaselinePath)
	if err != nil {
		return err
	}
	if !found {
		baseline = fingerprint
		if err := veil.SaveBaseline(cfg.Veil.BaselinePath, baseline); err != nil {
			return fmt.Errorf("failed to persist baseline fingerprint: %w", err)
		}
		logger.Info("baseline fingerprint established", zap.String("hash", baseline.Hash()))
	}

	srv := server.New(cfg, server.Deps{
		Executor:    executor,
		Slicer:      contextSlicer,
		Ledger:      ledger,
		Manifests:   manifests,
		Fingerprint: fingerprint,
		Baseline:    baseline,
		PlanHash:    fingerprint.CommandSetHash,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := config.Watch(ctx, cfg.Workspace, nil); err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Shutdown()
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	mode := types.Mode(verifyMode)
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", verifyMode)
	}

	netPolicy, err := sandbox.LoadNetworkPolicy(filepath.Join(cfg.Workspace, ".dhi", "netpolicy.yaml"))
	if err != nil {
		return err
	}
	executor := sandbox.New(cfg.Sandbox, netPolicy)

	result, err := executor.Run(cmd.Context(), sandbox.RunRequest{
		RequestID: "cli",
		Attempt:   1,
		Mode:      mode,
		Code:      string(code),
		Plan:      sandbox.PlanForCandidate(mode, sandbox.PlanOptions{}),
	})
	if err != nil {
		return err
	}

	manifest := attestation.Build(result, 1, 0, types.NoViolation)
	out, err := json.MarshalIndent(struct {
		Result   *types.VerificationResult `json:"result"`
		Manifest *attestation.Manifest     `json:"manifest"`
	}{result, manifest}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	plan := sandbox.PlanForCandidate(types.Mode(cfg.Sandbox.DefaultMode), sandbox.PlanOptions{})
	fingerprint, err := currentFingerprint(cfg, plan)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(fingerprint, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	fmt.Printf("fingerprint_hash: %s\n", fingerprint.Hash())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

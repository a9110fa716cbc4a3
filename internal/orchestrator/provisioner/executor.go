// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provisioner drives the infrastructure provisioning tool through
// its validate, plan and apply commands and keeps the resulting plan files
// and logs in the artifact store.
package provisioner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetProvisionerLogger()
		log = &l
	})
	return log
}

// planDir holds plan files inside a workspace while a command needs them.
const planDir = ".shipyard"

// LockVerifier answers whether a holder owns a live state lock.
type LockVerifier interface {
	Holds(ctx context.Context, resourceKey, holderID string) (bool, error)
}

// StageRequest identifies the stage a command runs for.
type StageRequest struct {
	RunID       string
	StageID     string
	ChangeRef   string
	Environment models.Tier
	// Env is passed to the tool process, typically a scoped credential.
	Env map[string]string
}

// PlanRequest configures a plan. Without the backend the plan never touches
// remote state or its lock.
type PlanRequest struct {
	StageRequest
	UseBackend bool
}

// ApplyResult is a successful apply.
type ApplyResult struct {
	Output   string
	Duration time.Duration
	Retries  int
}

// Executor is the plan executor.
type Executor struct {
	runner        Runner
	store         ArtifactStore
	locks         LockVerifier
	workspaceRoot string
	environments  map[string]config.EnvironmentConfig
	retry         config.BackoffConfig
	timeout       time.Duration
	validity      time.Duration
	now           func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor wires an executor from the application config.
func NewExecutor(runner Runner, store ArtifactStore, locks LockVerifier, cfg *config.AppConfig, opts ...Option) *Executor {
	e := &Executor{
		runner:        runner,
		store:         store,
		locks:         locks,
		workspaceRoot: cfg.Provisioner.WorkspaceRoot,
		environments:  cfg.Environments,
		retry:         cfg.Provisioner.Retry,
		timeout:       cfg.Provisioner.CommandTimeout,
		validity:      cfg.Pipeline.PlanValidity,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Workspace is the source working directory of an environment. Commands run
// in a per-stage copy of it.
func (e *Executor) Workspace(env models.Tier) (string, error) {
	ec, err := e.environment(env)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.workspaceRoot, ec.WorkingDir), nil
}

func (e *Executor) environment(env models.Tier) (config.EnvironmentConfig, error) {
	ec, ok := e.environments[string(env)]
	if !ok {
		return config.EnvironmentConfig{}, fmt.Errorf("unknown environment %q", env)
	}
	return ec, nil
}

// Validate runs the syntax and formatting checks.
func (e *Executor) Validate(ctx context.Context, req StageRequest) error {
	ec, err := e.environment(req.Environment)
	if err != nil {
		return err
	}
	dir, cleanup, err := e.stageWorkspace(req)
	if err != nil {
		return err
	}
	defer cleanup()
	env := toolEnv(ec, req.Env)
	out := &stageLog{}
	defer e.saveLog(ctx, req, out)

	steps := [][]string{
		{"init", "-input=false", "-no-color", "-backend=false"},
		{"fmt", "-check", "-recursive"},
		{"validate", "-no-color"},
	}
	for _, args := range steps {
		if _, _, err := e.run(ctx, dir, env, out, nil, args...); err != nil {
			return err
		}
	}
	return nil
}

// Plan produces a plan artifact. Exit status 0 means no changes and 2 means
// changes; anything else is an ExecutionError.
func (e *Executor) Plan(ctx context.Context, req PlanRequest) (*models.PlanArtifact, error) {
	ec, err := e.environment(req.Environment)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := e.stageWorkspace(req.StageRequest)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	env := toolEnv(ec, req.Env)
	out := &stageLog{}
	defer e.saveLog(ctx, req.StageRequest, out)

	initArgs := []string{"init", "-input=false", "-no-color"}
	if req.UseBackend {
		initArgs = append(initArgs, backendArgs(ec)...)
	} else {
		initArgs = append(initArgs, "-backend=false")
	}
	if _, _, err := e.run(ctx, dir, env, out, nil, initArgs...); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, planDir), 0o755); err != nil {
		return nil, fmt.Errorf("create plan directory: %w", err)
	}
	artifactID := uuid.New().String()
	planFile := filepath.ToSlash(filepath.Join(planDir, artifactID+".tfplan"))

	planArgs := []string{"plan", "-input=false", "-no-color", "-detailed-exitcode", "-out=" + planFile}
	planArgs = append(planArgs, varFileArgs(ec)...)
	if !req.UseBackend {
		planArgs = append(planArgs, "-lock=false")
	}
	planRes, _, err := e.run(ctx, dir, env, out, []int{0, 2}, planArgs...)
	if err != nil {
		return nil, err
	}

	showRes, _, err := e.run(ctx, dir, env, out, nil, "show", "-json", "-no-color", planFile)
	if err != nil {
		return nil, err
	}
	if showRes.Truncated {
		return nil, errors.New("plan json exceeds the output limit")
	}
	changes, err := ParsePlanJSON([]byte(showRes.Stdout))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(planFile)))
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	now := e.now()
	artifact := &models.PlanArtifact{
		ID:          artifactID,
		RunID:       req.RunID,
		StageID:     req.StageID,
		ContentHash: hashBytes(data),
		Changes:     changes,
		HasChanges:  planRes.ExitCode == 2,
		ObjectKey:   PlanKey(req.RunID, artifactID),
		UsedBackend: req.UseBackend,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.validity),
	}

	if req.UseBackend {
		v, err := e.version(ctx, dir, env, out)
		if err != nil {
			return nil, err
		}
		artifact.SourceCommit = req.ChangeRef
		artifact.ToolVersion = v.ToolVersion
		artifact.ProviderVersions = v.Providers
	}

	if err := e.store.Put(ctx, artifact.ObjectKey, data); err != nil {
		return nil, fmt.Errorf("store plan file: %w", err)
	}

	getLog().Info().
		Str("run_id", req.RunID).
		Str("artifact_id", artifact.ID).
		Str("content_hash", artifact.ContentHash).
		Bool("has_changes", artifact.HasChanges).
		Bool("use_backend", req.UseBackend).
		Interface("summary", changes.Summary()).
		Msg("Plan created")
	return artifact, nil
}

// Apply applies a stored plan. holderID must hold a live lock on the
// environment's resource key, otherwise a *StaleLockError is returned and the
// caller has to re-plan.
func (e *Executor) Apply(ctx context.Context, req StageRequest, artifact *models.PlanArtifact, holderID string) (*ApplyResult, error) {
	ec, err := e.environment(req.Environment)
	if err != nil {
		return nil, err
	}
	held, err := e.locks.Holds(ctx, ec.ResourceKey, holderID)
	if err != nil {
		return nil, fmt.Errorf("verify state lock: %w", err)
	}
	if !held {
		return nil, &StaleLockError{ResourceKey: ec.ResourceKey, HolderID: holderID}
	}
	if !artifact.ValidAt(e.now()) {
		return nil, fmt.Errorf("%w: %s expired at %s", ErrPlanExpired, artifact.ID, artifact.ExpiresAt.Format(time.RFC3339))
	}

	data, err := e.loadPlan(ctx, artifact)
	if err != nil {
		return nil, err
	}

	dir, cleanup, err := e.stageWorkspace(req)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	env := toolEnv(ec, req.Env)
	out := &stageLog{}
	defer e.saveLog(ctx, req, out)

	if err := os.MkdirAll(filepath.Join(dir, planDir), 0o755); err != nil {
		return nil, fmt.Errorf("create plan directory: %w", err)
	}
	planFile := filepath.ToSlash(filepath.Join(planDir, artifact.ID+".tfplan"))
	if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(planFile)), data, 0o600); err != nil {
		return nil, fmt.Errorf("write plan file: %w", err)
	}

	initArgs := append([]string{"init", "-input=false", "-no-color"}, backendArgs(ec)...)
	if _, _, err := e.run(ctx, dir, env, out, nil, initArgs...); err != nil {
		return nil, err
	}
	res, retries, err := e.run(ctx, dir, env, out, nil, "apply", "-input=false", "-auto-approve", "-no-color", planFile)
	if err != nil {
		return nil, err
	}

	getLog().Info().
		Str("run_id", req.RunID).
		Str("artifact_id", artifact.ID).
		Str("holder_id", holderID).
		Dur("duration", res.Duration).
		Msg("Apply finished")
	return &ApplyResult{Output: res.Stdout, Duration: res.Duration, Retries: retries}, nil
}

// VerifyArtifact checks that the stored plan file still hashes to the
// artifact's content hash.
func (e *Executor) VerifyArtifact(ctx context.Context, artifact *models.PlanArtifact) error {
	_, err := e.loadPlan(ctx, artifact)
	return err
}

// CurrentVersion reports the tool and provider versions of an environment's
// workspace as they are now.
// Providers are resolved from the dependency lock file without touching the
// backend.
func (e *Executor) CurrentVersion(ctx context.Context, env models.Tier) (VersionInfo, error) {
	ec, err := e.environment(env)
	if err != nil {
		return VersionInfo{}, err
	}
	dir, cleanup, err := e.stageWorkspace(StageRequest{RunID: "version", Environment: env})
	if err != nil {
		return VersionInfo{}, err
	}
	defer cleanup()

	procEnv := toolEnv(ec, nil)
	out := &stageLog{}
	if _, _, err := e.run(ctx, dir, procEnv, out, nil, "init", "-input=false", "-no-color", "-backend=false"); err != nil {
		return VersionInfo{}, err
	}
	return e.version(ctx, dir, procEnv, out)
}

func (e *Executor) version(ctx context.Context, dir string, env map[string]string, out *stageLog) (VersionInfo, error) {
	res, _, err := e.run(ctx, dir, env, out, nil, "version", "-json")
	if err != nil {
		return VersionInfo{}, err
	}
	return ParseVersionJSON([]byte(res.Stdout))
}

func (e *Executor) loadPlan(ctx context.Context, artifact *models.PlanArtifact) ([]byte, error) {
	data, err := e.store.Get(ctx, artifact.ObjectKey)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return nil, fmt.Errorf("%w: plan file of %s is missing", ErrPlanIntegrity, artifact.ID)
		}
		return nil, fmt.Errorf("load plan file: %w", err)
	}
	if got := hashBytes(data); got != artifact.ContentHash {
		return nil, fmt.Errorf("%w: %s hashes to %s, want %s", ErrPlanIntegrity, artifact.ID, got, artifact.ContentHash)
	}
	return data, nil
}

// run executes one command, retrying transient failures with bounded
// backoff. okCodes defaults to {0}. It returns the final result and the
// number of retries.
func (e *Executor) run(ctx context.Context, dir string, env map[string]string, out *stageLog, okCodes []int, args ...string) (*Result, int, error) {
	if len(okCodes) == 0 {
		okCodes = []int{0}
	}
	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if e.retry.InitialInterval > 0 {
		b.InitialInterval = e.retry.InitialInterval
	}
	if e.retry.MaxInterval > 0 {
		b.MaxInterval = e.retry.MaxInterval
	}
	b.MaxElapsedTime = 0

	cmd := Command{Args: args, Dir: dir, Env: env}
	var (
		result  *Result
		retries int
	)
	op := func() error {
		runCtx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		res, err := e.runner.Run(runCtx, cmd)
		if res != nil {
			out.add(cmd, res)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = res
		if lo.Contains(okCodes, res.ExitCode) {
			return nil
		}
		execErr := &ExecutionError{
			Command:   cmd.String(),
			ExitCode:  res.ExitCode,
			Stderr:    res.Stderr,
			Transient: isTransient(res.Stderr),
			Retries:   retries,
		}
		if !execErr.Transient {
			return backoff.Permanent(execErr)
		}
		return execErr
	}
	notify := func(err error, wait time.Duration) {
		retries++
		getLog().Warn().Err(err).
			Str("command", cmd.String()).
			Int("retry", retries).
			Dur("wait", wait).
			Msg("Transient tool failure, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			execErr.Retries = retries
		}
		return result, retries, err
	}
	return result, retries, nil
}

func (e *Executor) saveLog(ctx context.Context, req StageRequest, out *stageLog) {
	if req.RunID == "" || req.StageID == "" || out.empty() {
		return
	}
	if err := e.store.Put(context.WithoutCancel(ctx), LogKey(req.RunID, req.StageID), []byte(out.String())); err != nil {
		getLog().Warn().Err(err).Str("run_id", req.RunID).Str("stage_id", req.StageID).Msg("Failed to store stage log")
	}
}

// stageLog accumulates the transcript of every command a stage ran.
type stageLog struct {
	b strings.Builder
}

func (l *stageLog) add(cmd Command, res *Result) {
	fmt.Fprintf(&l.b, "$ %s\n", cmd)
	l.b.WriteString(res.Stdout)
	if res.Stderr != "" {
		l.b.WriteString(res.Stderr)
	}
	fmt.Fprintf(&l.b, "[exit %d after %s]\n", res.ExitCode, res.Duration.Round(time.Millisecond))
}

func (l *stageLog) empty() bool { return l.b.Len() == 0 }

func (l *stageLog) String() string { return l.b.String() }

// DiagnosticTail trims tool stderr to what is shown on a failed run.
func DiagnosticTail(stderr string) string {
	return tail(stderr, 40)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

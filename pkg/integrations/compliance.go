package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

const ActionEnforceCompliance = "enforce_compliance"

// ComplianceSpecs 合规脚本收敛到目标状态，可重复执行
var ComplianceSpecs = []ActionSpec{
	{Type: ActionEnforceCompliance, Idempotent: true},
}

// CommandRunner runs a host command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.Bytes(), nil
}

// ComplianceReport 脚本输出
type ComplianceReport struct {
	Compliant bool     `json:"compliant"`
	Issues    []string `json:"issues"`
	Fixed     []string `json:"fixed,omitempty"`
}

// ComplianceRunner 主机合规检查/修复适配器
type ComplianceRunner struct {
	shell  string
	script string
	runner CommandRunner
	logger *logrus.Logger
}

func NewComplianceRunner(shell, script string, runner CommandRunner, logger *logrus.Logger) *ComplianceRunner {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ComplianceRunner{shell: shell, script: script, runner: runner, logger: logger}
}

func (c *ComplianceRunner) Name() string { return "compliance" }

func (c *ComplianceRunner) Spec(action string) (ActionSpec, bool) {
	return specFor(ComplianceSpecs, action)
}

func (c *ComplianceRunner) CaptureState(ctx context.Context, req Request) (State, error) {
	if req.Action != ActionEnforceCompliance {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
	report, err := c.run(ctx, "check", req.Params)
	if err != nil {
		return nil, err
	}
	return State{"compliant": report.Compliant, "issues": report.Issues}, nil
}

func (c *ComplianceRunner) Apply(ctx context.Context, req Request) (*Result, error) {
	if req.Action != ActionEnforceCompliance {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
	if req.Params["device"] == "" && req.Params["user"] == "" {
		return nil, errors.New("compliance: device or user parameter required")
	}
	report, err := c.run(ctx, "enforce", req.Params)
	if err != nil {
		return nil, err
	}
	if !report.Compliant {
		return nil, fmt.Errorf("compliance: device still non-compliant: %s", strings.Join(report.Issues, ", "))
	}
	return &Result{
		Message: fmt.Sprintf("Device %s compliant; fixed: %s", req.Params["device"], strings.Join(report.Fixed, ", ")),
		After:   State{"compliant": true, "fixed": report.Fixed},
	}, nil
}

func (c *ComplianceRunner) Reverse(ctx context.Context, req Request, before State) error {
	return ErrUnsupported
}

func (c *ComplianceRunner) run(ctx context.Context, mode string, p Params) (*ComplianceReport, error) {
	args := []string{c.script, "--mode", mode}
	if v := p["device"]; v != "" {
		args = append(args, "--device", v)
	}
	if v := p["user"]; v != "" {
		args = append(args, "--user", v)
	}
	if v := p["issues"]; v != "" {
		args = append(args, "--issues", v)
	}
	out, err := c.runner.Run(ctx, c.shell, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance %s: %w", mode, err)
	}
	var report ComplianceReport
	if err := json.Unmarshal(bytes.TrimSpace(out), &report); err != nil {
		return nil, fmt.Errorf("compliance %s: decode report: %w", mode, err)
	}
	return &report, nil
}

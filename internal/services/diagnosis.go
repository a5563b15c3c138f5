package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"remedy/internal/models"
	"remedy/pkg/integrations"
)

// Plan 修复计划：一个动作、目标适配器及参数
type Plan struct {
	Category   models.Category     `json:"category"`
	ActionType string              `json:"action_type"`
	Adapter    string              `json:"adapter"`
	Parameters integrations.Params `json:"parameters"`
	RiskLevel  models.RiskLevel    `json:"risk_level"`
	RootCause  string              `json:"root_cause"`
	Steps      []string            `json:"steps,omitempty"`
	Priority   models.Priority     `json:"priority,omitempty"`
}

// Encode serializes the plan for the ticket row.
func (p *Plan) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePlan is the inverse of Plan.Encode.
func DecodePlan(raw []byte) (*Plan, error) {
	if len(raw) == 0 {
		return nil, ErrNoPlanAvailable
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

const (
	adapterDirectory  = "directory"
	adapterVPN        = "vpn"
	adapterCompliance = "compliance"
)

// DiagnosisEngine 根据分类与实体生成修复计划（静态映射表）
type DiagnosisEngine struct{}

func NewDiagnosisEngine() *DiagnosisEngine {
	return &DiagnosisEngine{}
}

// Diagnose maps a category to a plan. Unclassified or unknown categories yield ErrNoPlanAvailable.
func (d *DiagnosisEngine) Diagnose(category models.Category, e Entities, priority models.Priority) (*Plan, error) {
	var plan *Plan
	switch category {
	case models.CategoryPasswordReset:
		plan = d.passwordReset(e)
	case models.CategoryAccountUnlock:
		plan = d.accountUnlock(e)
	case models.CategoryVPNIssue:
		plan = d.vpn(e)
	case models.CategoryDeviceCompliance:
		plan = d.compliance(e)
	case models.CategoryAccessRequest:
		plan = d.accessRequest(e)
	default:
		return nil, fmt.Errorf("%w: category %q", ErrNoPlanAvailable, category)
	}
	if plan == nil {
		return nil, fmt.Errorf("%w: missing target for %s", ErrNoPlanAvailable, category)
	}
	plan.Category = category
	plan.Priority = priority
	return plan, nil
}

func (d *DiagnosisEngine) passwordReset(e Entities) *Plan {
	if e.AffectedUser == "" {
		return nil
	}
	cause := "User requested a password reset"
	switch {
	case e.Has("expired"):
		cause = "Password expired"
	case e.Has("forgot"):
		cause = "User forgot password"
	}
	return &Plan{
		ActionType: integrations.ActionResetPassword,
		Adapter:    adapterDirectory,
		Parameters: integrations.Params{"user": e.AffectedUser},
		RiskLevel:  models.RiskLow,
		RootCause:  cause,
		Steps: []string{
			"Verify user identity",
			"Generate temporary password",
			"Reset password in directory",
			"Require password change at next sign-in",
			"Send temporary password to user",
		},
	}
}

func (d *DiagnosisEngine) accountUnlock(e Entities) *Plan {
	if e.AffectedUser == "" {
		return nil
	}
	cause := "Account locked"
	if e.Has("too_many_attempts") {
		cause = "Account locked after too many failed sign-in attempts"
	} else if e.Has("disabled") {
		cause = "Account disabled"
	}
	return &Plan{
		ActionType: integrations.ActionUnlockAccount,
		Adapter:    adapterDirectory,
		Parameters: integrations.Params{"user": e.AffectedUser},
		RiskLevel:  models.RiskLow,
		RootCause:  cause,
		Steps: []string{
			"Capture current account state",
			"Enable and unlock account",
			"Notify user",
		},
	}
}

// vpn picks the most specific action from the reported symptoms.
func (d *DiagnosisEngine) vpn(e Entities) *Plan {
	if e.AffectedUser == "" {
		return nil
	}
	plan := &Plan{
		Adapter:    adapterVPN,
		Parameters: integrations.Params{"user": e.AffectedUser},
		RiskLevel:  models.RiskMedium,
	}
	switch {
	case e.Has("certificate") || e.Has("expired"):
		plan.ActionType = integrations.ActionRenewVPNCertificate
		plan.RootCause = "VPN certificate expired or invalid"
		plan.Steps = []string{"Revoke current certificate", "Issue new certificate", "Push certificate to client"}
	case e.Has("credentials"):
		plan.ActionType = integrations.ActionResetVPNProfile
		plan.RootCause = "VPN credentials rejected"
		plan.Steps = []string{"Reset VPN profile", "Re-provision client configuration"}
	case e.Has("disconnect") || e.Has("timeout"):
		plan.ActionType = integrations.ActionDisconnectVPNSession
		plan.RootCause = "Stale VPN session"
		plan.Steps = []string{"Terminate active session", "Ask user to reconnect"}
	default:
		plan.ActionType = integrations.ActionRunVPNDiagnostics
		plan.RootCause = "Unknown VPN connectivity issue"
		plan.Steps = []string{"Run connectivity diagnostics", "Report findings"}
	}
	return plan
}

func (d *DiagnosisEngine) compliance(e Entities) *Plan {
	if e.Device == "" && e.AffectedUser == "" {
		return nil
	}
	var issues []string
	for _, s := range []string{"patches", "antivirus", "encryption", "firewall"} {
		if e.Has(s) {
			issues = append(issues, s)
		}
	}
	params := integrations.Params{}
	if e.Device != "" {
		params["device"] = e.Device
	}
	if e.AffectedUser != "" {
		params["user"] = e.AffectedUser
	}
	cause := "Device failed compliance check"
	if len(issues) > 0 {
		params["issues"] = strings.Join(issues, ",")
		cause = "Device non-compliant: " + strings.Join(issues, ", ")
	}
	return &Plan{
		ActionType: integrations.ActionEnforceCompliance,
		Adapter:    adapterCompliance,
		Parameters: params,
		RiskLevel:  models.RiskMedium,
		RootCause:  cause,
		Steps:      []string{"Run compliance check", "Apply remediations", "Re-check compliance"},
	}
}

func (d *DiagnosisEngine) accessRequest(e Entities) *Plan {
	if e.AffectedUser == "" || e.Resource == "" {
		return nil
	}
	return &Plan{
		ActionType: integrations.ActionGrantAccess,
		Adapter:    adapterDirectory,
		Parameters: integrations.Params{"user": e.AffectedUser, "resource": e.Resource},
		RiskLevel:  models.RiskHigh,
		RootCause:  fmt.Sprintf("Access to %s requested", e.Resource),
		Steps:      []string{"Verify request with approver", "Add user to resource group", "Notify user"},
	}
}

package services

import (
	"testing"

	"remedy/internal/models"
	"remedy/pkg/integrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosisEngine_Plans(t *testing.T) {
	d := NewDiagnosisEngine()
	user := "jane@corp.example"

	cases := []struct {
		name     string
		category models.Category
		entities Entities
		action   string
		adapter  string
		risk     models.RiskLevel
	}{
		{"password", models.CategoryPasswordReset, Entities{AffectedUser: user, Symptoms: []string{"forgot"}}, integrations.ActionResetPassword, "directory", models.RiskLow},
		{"unlock", models.CategoryAccountUnlock, Entities{AffectedUser: user}, integrations.ActionUnlockAccount, "directory", models.RiskLow},
		{"vpn certificate", models.CategoryVPNIssue, Entities{AffectedUser: user, Symptoms: []string{"certificate"}}, integrations.ActionRenewVPNCertificate, "vpn", models.RiskMedium},
		{"vpn credentials", models.CategoryVPNIssue, Entities{AffectedUser: user, Symptoms: []string{"credentials"}}, integrations.ActionResetVPNProfile, "vpn", models.RiskMedium},
		{"vpn session", models.CategoryVPNIssue, Entities{AffectedUser: user, Symptoms: []string{"timeout"}}, integrations.ActionDisconnectVPNSession, "vpn", models.RiskMedium},
		{"vpn unknown", models.CategoryVPNIssue, Entities{AffectedUser: user}, integrations.ActionRunVPNDiagnostics, "vpn", models.RiskMedium},
		{"compliance", models.CategoryDeviceCompliance, Entities{Device: "LAPTOP-42", Symptoms: []string{"antivirus", "patches"}}, integrations.ActionEnforceCompliance, "compliance", models.RiskMedium},
		{"access", models.CategoryAccessRequest, Entities{AffectedUser: user, Resource: "finance"}, integrations.ActionGrantAccess, "directory", models.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := d.Diagnose(tc.category, tc.entities, models.PriorityHigh)
			require.NoError(t, err)
			assert.Equal(t, tc.action, plan.ActionType)
			assert.Equal(t, tc.adapter, plan.Adapter)
			assert.Equal(t, tc.risk, plan.RiskLevel)
			assert.Equal(t, tc.category, plan.Category)
			assert.Equal(t, models.PriorityHigh, plan.Priority)
			assert.NotEmpty(t, plan.RootCause)
			assert.NotEmpty(t, plan.Steps)
		})
	}
}

func TestDiagnosisEngine_ComplianceParameters(t *testing.T) {
	plan, err := NewDiagnosisEngine().Diagnose(models.CategoryDeviceCompliance,
		Entities{Device: "LAPTOP-42", AffectedUser: "sam@corp.example", Symptoms: []string{"firewall", "patches"}}, models.PriorityMedium)
	require.NoError(t, err)
	assert.Equal(t, integrations.Params{"device": "LAPTOP-42", "user": "sam@corp.example", "issues": "patches,firewall"}, plan.Parameters)
}

func TestDiagnosisEngine_NoPlan(t *testing.T) {
	d := NewDiagnosisEngine()

	_, err := d.Diagnose(models.CategoryUnclassified, Entities{AffectedUser: "jane@corp.example"}, models.PriorityMedium)
	assert.ErrorIs(t, err, ErrNoPlanAvailable)

	_, err = d.Diagnose(models.CategoryAccessRequest, Entities{AffectedUser: "jane@corp.example"}, models.PriorityMedium)
	assert.ErrorIs(t, err, ErrNoPlanAvailable)

	_, err = d.Diagnose(models.CategoryPasswordReset, Entities{}, models.PriorityMedium)
	assert.ErrorIs(t, err, ErrNoPlanAvailable)
}

func TestDecodePlan(t *testing.T) {
	plan, err := NewDiagnosisEngine().Diagnose(models.CategoryAccountUnlock, Entities{AffectedUser: "jane@corp.example"}, models.PriorityLow)
	require.NoError(t, err)
	raw, err := plan.Encode()
	require.NoError(t, err)

	decoded, err := DecodePlan(raw)
	require.NoError(t, err)
	assert.Equal(t, plan, decoded)

	_, err = DecodePlan(nil)
	assert.ErrorIs(t, err, ErrNoPlanAvailable)
	_, err = DecodePlan([]byte("{"))
	assert.Error(t, err)
}

package services

import (
	"context"
	"testing"

	"remedy/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyEvaluator_Evaluate(t *testing.T) {
	e := NewPolicyEvaluator()
	active := func(threshold models.RiskLevel, auto bool) *models.AutomationPolicy {
		return &models.AutomationPolicy{Category: models.CategoryVPNIssue, RiskThreshold: threshold, AutoApprove: auto, Active: true}
	}

	cases := []struct {
		name    string
		risk    models.RiskLevel
		policy  *models.AutomationPolicy
		auto    bool
		misconf bool
	}{
		{"below threshold", models.RiskLow, active(models.RiskMedium, true), true, false},
		{"at threshold", models.RiskMedium, active(models.RiskMedium, true), false, false},
		{"above threshold", models.RiskHigh, active(models.RiskMedium, true), false, false},
		{"auto approve off", models.RiskLow, active(models.RiskCritical, false), false, false},
		{"unknown threshold", models.RiskLow, active(models.RiskLevel("bogus"), true), false, true},
		{"missing policy", models.RiskLow, nil, false, true},
		{"inactive policy", models.RiskLow, &models.AutomationPolicy{RiskThreshold: models.RiskCritical, AutoApprove: true}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Evaluate(&Plan{RiskLevel: tc.risk}, tc.policy)
			assert.Equal(t, tc.auto, d.AutoExecute)
			assert.Equal(t, !tc.auto, d.RequiresApproval)
			assert.Equal(t, tc.misconf, d.Misconfigured)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestPolicyEvaluator_UnknownPlanRiskNeedsApproval(t *testing.T) {
	d := NewPolicyEvaluator().Evaluate(&Plan{RiskLevel: "weird"}, &models.AutomationPolicy{RiskThreshold: models.RiskCritical, AutoApprove: true, Active: true})
	assert.True(t, d.RequiresApproval)
}

func TestParsePolicies(t *testing.T) {
	raw := []byte(`
policies:
  - category: password_reset
    risk_threshold: medium
    auto_approve: true
    max_retries: 3
    timeout_seconds: 120
  - category: access_request
    risk_threshold: high
    active: false
`)
	policies, err := ParsePolicies(raw)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	assert.Equal(t, models.CategoryPasswordReset, policies[0].Category)
	assert.Equal(t, 3, policies[0].MaxRetries)
	assert.Equal(t, 120, policies[0].TimeoutSeconds)
	assert.True(t, policies[0].Active)
	assert.False(t, policies[1].Active)
	assert.False(t, policies[1].AutoApprove)

	_, err = ParsePolicies([]byte("policies:\n  - category: coffee\n    risk_threshold: low\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParsePolicies([]byte("policies:\n  - category: vpn_issue\n    risk_threshold: extreme\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParsePolicies([]byte("policies: ["))
	assert.Error(t, err)
}

func TestPolicyService_SeedAndUpdate(t *testing.T) {
	db := newTestDB(t)
	audit := NewAuditService(db, quietLogger())
	svc := NewPolicyService(db, quietLogger(), audit)
	ctx := context.Background()

	n, err := svc.Seed(ctx, DefaultPolicies())
	require.NoError(t, err)
	assert.Equal(t, len(DefaultPolicies()), n)

	n, err = svc.Seed(ctx, DefaultPolicies())
	require.NoError(t, err)
	assert.Zero(t, n)

	retries := 4
	high := models.RiskHigh
	updated, err := svc.Update(ctx, models.CategoryPasswordReset, &PolicyUpdateRequest{MaxRetries: &retries, RiskThreshold: &high}, "admin@corp.example")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.MaxRetries)
	assert.Equal(t, models.RiskHigh, updated.RiskThreshold)
	assert.True(t, updated.AutoApprove)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	got := snap.For(models.CategoryPasswordReset)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.MaxRetries)
	got.MaxRetries = 99
	assert.Equal(t, 4, snap.For(models.CategoryPasswordReset).MaxRetries)
	assert.Nil(t, snap.For(models.CategoryUnclassified))

	logs, total, err := audit.List(ctx, &AuditListRequest{Action: AuditPolicyUpdated})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "admin@corp.example", logs[0].Actor)

	zero := 0
	_, err = svc.Update(ctx, models.CategoryPasswordReset, &PolicyUpdateRequest{MaxRetries: &zero}, "admin@corp.example")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Update(ctx, models.CategoryUnclassified, &PolicyUpdateRequest{}, "admin@corp.example")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Update(ctx, models.CategoryPasswordReset, &PolicyUpdateRequest{}, "")
	assert.ErrorIs(t, err, ErrUnauthorizedActor)
}

func TestPolicyService_UpdateCreatesMissing(t *testing.T) {
	db := newTestDB(t)
	svc := NewPolicyService(db, quietLogger(), NewAuditService(db, quietLogger()))

	auto := true
	p, err := svc.Update(context.Background(), models.CategoryVPNIssue, &PolicyUpdateRequest{AutoApprove: &auto}, "admin@corp.example")
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
	assert.True(t, p.Active)
	assert.Equal(t, models.RiskHigh, p.RiskThreshold)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

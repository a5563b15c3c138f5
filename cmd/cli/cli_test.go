package cli

import (
	"bytes"
	"testing"
	"time"

	"remedy/internal/config"
	"remedy/internal/models"
	"remedy/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDryRun(t *testing.T) {
	cfg := config.GetDefaultConfig()

	cases := []struct {
		name        string
		in          services.ClassifyInput
		category    models.Category
		outcome     models.TicketStatus
		wantDecided bool
	}{
		{
			name:        "password reset auto executes",
			in:          services.ClassifyInput{Subject: "Password reset needed urgently", Description: "I forgot my password and cannot login", RequesterEmail: "jane@corp.example"},
			category:    models.CategoryPasswordReset,
			outcome:     models.TicketInProgress,
			wantDecided: true,
		},
		{
			name:        "access request needs approval",
			in:          services.ClassifyInput{Subject: "Need access to finance share", Description: "Please grant me access to the finance share.", RequesterEmail: "bob@corp.example"},
			category:    models.CategoryAccessRequest,
			outcome:     models.TicketAwaitingApproval,
			wantDecided: true,
		},
		{
			name:     "unknown goes to manual queue",
			in:       services.ClassifyInput{Subject: "Printer on floor 3", Description: "The printer makes a strange noise", RequesterEmail: "sam@corp.example"},
			category: models.CategoryUnclassified,
			outcome:  models.TicketManualQueue,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report, err := dryRun(cfg, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.category, report.Classification.Category)
			assert.Equal(t, string(tc.outcome), report.Outcome)
			assert.Equal(t, tc.wantDecided, report.Decision != nil)
		})
	}
}

func TestDryRun_MissingPolicyFile(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Automation.PolicyFile = "does-not-exist.yaml"
	_, err := dryRun(cfg, services.ClassifyInput{Subject: "Password reset"})
	assert.Error(t, err)
}

func TestTokenClaims(t *testing.T) {
	flagTokenSubject, flagRoles, flagPerms, flagTTLMin, flagNoExpiry = "ops@corp.example", "agent, approver,", "", 30, false
	now := time.Unix(1_700_000_000, 0)

	claims := tokenClaims(now)
	assert.Equal(t, "ops@corp.example", claims["sub"])
	assert.Equal(t, []string{"agent", "approver"}, claims["roles"])
	assert.NotContains(t, claims, "perms")
	assert.Equal(t, now.Add(30*time.Minute).Unix(), claims["exp"])

	flagNoExpiry = true
	assert.NotContains(t, tokenClaims(now), "exp")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version: dev")
}

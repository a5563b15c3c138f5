package services

import (
	"testing"

	"remedy/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestClassifier_Categories(t *testing.T) {
	c := NewClassifier(0.6)

	cases := []struct {
		name     string
		in       ClassifyInput
		category models.Category
		priority models.Priority
		user     string
		source   string
		symptoms []string
		device   string
		resource string
		minScore float64
	}{
		{
			name:     "password reset",
			in:       ClassifyInput{Subject: "Password reset needed urgently", Description: "I forgot my password and cannot login", RequesterEmail: "jane@corp.example"},
			category: models.CategoryPasswordReset,
			priority: models.PriorityCritical,
			user:     "jane@corp.example",
			source:   AffectedUserFromRequester,
			symptoms: []string{"forgot"},
			minScore: 0.95,
		},
		{
			name:     "unlock for another user",
			in:       ClassifyInput{Subject: "Account locked for Bob@Corp.example", Description: "Please unlock the account, too many failed attempts", RequesterEmail: "jane@corp.example"},
			category: models.CategoryAccountUnlock,
			priority: models.PriorityMedium,
			user:     "bob@corp.example",
			source:   AffectedUserFromText,
			symptoms: []string{"too_many_attempts"},
			minScore: 0.9,
		},
		{
			name:     "vpn certificate",
			in:       ClassifyInput{Subject: "VPN certificate expired", Description: "my vpn certificate expired this morning", RequesterEmail: "sam@corp.example"},
			category: models.CategoryVPNIssue,
			priority: models.PriorityMedium,
			user:     "sam@corp.example",
			source:   AffectedUserFromRequester,
			symptoms: []string{"certificate", "expired"},
			minScore: 0.9,
		},
		{
			name:     "device compliance",
			in:       ClassifyInput{Subject: "Device not compliant", Description: "Laptop laptop-42 security patches missing and antivirus disabled", RequesterEmail: "sam@corp.example"},
			category: models.CategoryDeviceCompliance,
			priority: models.PriorityMedium,
			user:     "sam@corp.example",
			source:   AffectedUserFromRequester,
			symptoms: []string{"antivirus", "disabled", "patches"},
			device:   "LAPTOP-42",
			minScore: 0.9,
		},
		{
			name:     "access request",
			in:       ClassifyInput{Subject: "Need access to finance share", Description: "Please grant me access to the finance share for the quarterly close. Low priority.", RequesterEmail: "bob@corp.example"},
			category: models.CategoryAccessRequest,
			priority: models.PriorityLow,
			user:     "bob@corp.example",
			source:   AffectedUserFromRequester,
			resource: "finance",
			minScore: 0.9,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.in)
			assert.Equal(t, tc.category, got.Category)
			assert.Equal(t, tc.priority, got.Priority)
			assert.GreaterOrEqual(t, got.Confidence, tc.minScore)
			assert.LessOrEqual(t, got.Confidence, 0.99)
			assert.Equal(t, tc.user, got.Entities.AffectedUser)
			assert.Equal(t, tc.source, got.Entities.AffectedUserSource)
			assert.Equal(t, tc.device, got.Entities.Device)
			assert.Equal(t, tc.resource, got.Entities.Resource)
			for _, s := range tc.symptoms {
				assert.True(t, got.Entities.Has(s), "missing symptom %s in %v", s, got.Entities.Symptoms)
			}
			assert.NotEmpty(t, got.Matches)
			assert.False(t, got.Downgraded)
		})
	}
}

func TestClassifier_UnclassifiedHasZeroConfidence(t *testing.T) {
	c := NewClassifier(0.6)

	got := c.Classify(ClassifyInput{Subject: "Printer", Description: "The printer on floor 3 jams", RequesterEmail: "sam@corp.example"})
	assert.Equal(t, models.CategoryUnclassified, got.Category)
	assert.Zero(t, got.Confidence)

	got = c.Classify(ClassifyInput{Subject: "Question", Description: "Where is the vpn guide?", RequesterEmail: "sam@corp.example"})
	assert.Equal(t, models.CategoryUnclassified, got.Category)
	assert.Zero(t, got.Confidence)
	assert.InDelta(t, 0.55, got.Score, 0.0001)
}

func TestClassifier_MissingEntityDowngrades(t *testing.T) {
	c := NewClassifier(0.6)

	got := c.Classify(ClassifyInput{Subject: "Need access", Description: "I need access please", RequesterEmail: "bob@corp.example"})
	assert.Equal(t, models.CategoryUnclassified, got.Category)
	assert.True(t, got.Downgraded)
	assert.Zero(t, got.Confidence)
	assert.InDelta(t, 0.85*0.5, got.Score, 0.0001)
}

func TestClassifier_TieKeepsEarlierRule(t *testing.T) {
	c := NewClassifier(0.3)

	got := c.Classify(ClassifyInput{Subject: "password locked", Description: "", RequesterEmail: "jane@corp.example"})
	assert.Equal(t, models.CategoryAccountUnlock, got.Category)
	assert.InDelta(t, 0.4, got.Confidence, 0.0001)
}

func TestClassifier_ForUserAndDefaults(t *testing.T) {
	c := NewClassifier(5)
	assert.Equal(t, 0.6, c.MinConfidence())

	got := c.Classify(ClassifyInput{Subject: "Reset password for user jdoe", Description: "please reset password", RequesterEmail: ""})
	assert.Equal(t, models.CategoryPasswordReset, got.Category)
	assert.Equal(t, "jdoe", got.Entities.AffectedUser)
	assert.Equal(t, AffectedUserFromText, got.Entities.AffectedUserSource)

	got = c.Classify(ClassifyInput{})
	assert.Equal(t, models.CategoryUnclassified, got.Category)
	assert.Equal(t, models.PriorityMedium, got.Priority)
}

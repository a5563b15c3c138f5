package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"remedy/internal/models"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Decision 策略门控结果
type Decision struct {
	AutoExecute      bool   `json:"auto_execute"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
	Misconfigured    bool   `json:"misconfigured,omitempty"`
}

// PolicyEvaluator 纯函数：计划 + 策略 -> 是否需要审批
type PolicyEvaluator struct{}

func NewPolicyEvaluator() *PolicyEvaluator { return &PolicyEvaluator{} }

// Evaluate gates a plan. A missing, inactive or malformed policy never auto-executes.
func (e *PolicyEvaluator) Evaluate(plan *Plan, policy *models.AutomationPolicy) Decision {
	if policy == nil || !policy.Active || policy.RiskThreshold.Rank() > models.RiskCritical.Rank() {
		return Decision{
			RequiresApproval: true,
			Misconfigured:    true,
			Reason:           ErrPolicyMisconfigured.Error(),
		}
	}
	if plan.RiskLevel.AtLeast(policy.RiskThreshold) {
		return Decision{
			RequiresApproval: true,
			Reason:           fmt.Sprintf("risk %s at or above threshold %s", plan.RiskLevel, policy.RiskThreshold),
		}
	}
	if !policy.AutoApprove {
		return Decision{
			RequiresApproval: true,
			Reason:           fmt.Sprintf("auto-approve disabled for %s", policy.Category),
		}
	}
	return Decision{AutoExecute: true, Reason: fmt.Sprintf("risk %s below threshold %s", plan.RiskLevel, policy.RiskThreshold)}
}

// PolicySnapshot 某一时刻的策略集合，一个处理周期内不变
type PolicySnapshot struct {
	policies map[models.Category]models.AutomationPolicy
	LoadedAt time.Time
}

// For returns a copy of the category's policy, or nil.
func (s *PolicySnapshot) For(category models.Category) *models.AutomationPolicy {
	if s == nil {
		return nil
	}
	p, ok := s.policies[category]
	if !ok {
		return nil
	}
	return &p
}

// PolicyUpdateRequest 更新策略请求
type PolicyUpdateRequest struct {
	RiskThreshold  *models.RiskLevel `json:"risk_threshold"`
	AutoApprove    *bool             `json:"auto_approve"`
	MaxRetries     *int              `json:"max_retries"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
	Active         *bool             `json:"active"`
	Description    *string           `json:"description"`
}

// PolicyService 自动化策略的存取
type PolicyService struct {
	db     *gorm.DB
	logger *logrus.Logger
	audit  *AuditService
}

func NewPolicyService(db *gorm.DB, logger *logrus.Logger, audit *AuditService) *PolicyService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PolicyService{db: db, logger: logger, audit: audit}
}

// Snapshot loads every policy at once.
func (s *PolicyService) Snapshot(ctx context.Context) (*PolicySnapshot, error) {
	policies, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	snap := &PolicySnapshot{policies: make(map[models.Category]models.AutomationPolicy, len(policies)), LoadedAt: time.Now()}
	for _, p := range policies {
		snap.policies[p.Category] = p
	}
	return snap, nil
}

// List 获取所有策略
func (s *PolicyService) List(ctx context.Context) ([]models.AutomationPolicy, error) {
	var policies []models.AutomationPolicy
	if err := s.db.WithContext(ctx).Order("category ASC").Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return policies, nil
}

// Get 获取单个分类的策略
func (s *PolicyService) Get(ctx context.Context, category models.Category) (*models.AutomationPolicy, error) {
	var policy models.AutomationPolicy
	err := s.db.WithContext(ctx).Where("category = ?", category).First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no policy for %s", ErrPolicyMisconfigured, category)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return &policy, nil
}

// Update 更新策略；不存在则按请求创建。仅影响之后开始的处理周期
func (s *PolicyService) Update(ctx context.Context, category models.Category, req *PolicyUpdateRequest, actor string) (*models.AutomationPolicy, error) {
	if !category.Valid() || category == models.CategoryUnclassified {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, category)
	}
	if actor == "" {
		return nil, ErrUnauthorizedActor
	}
	if req.RiskThreshold != nil && req.RiskThreshold.Rank() > models.RiskCritical.Rank() {
		return nil, fmt.Errorf("%w: unknown risk level %q", ErrInvalidInput, *req.RiskThreshold)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 1 {
		return nil, fmt.Errorf("%w: max_retries must be at least 1", ErrInvalidInput)
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds < 1 {
		return nil, fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidInput)
	}

	var policy models.AutomationPolicy
	var entry *models.AuditLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("category = ?", category).First(&policy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			policy = models.AutomationPolicy{Category: category, RiskThreshold: models.RiskHigh, MaxRetries: 1, TimeoutSeconds: 300, Active: true}
		} else if err != nil {
			return err
		}
		before := policy

		if req.RiskThreshold != nil {
			policy.RiskThreshold = *req.RiskThreshold
		}
		if req.AutoApprove != nil {
			policy.AutoApprove = *req.AutoApprove
		}
		if req.MaxRetries != nil {
			policy.MaxRetries = *req.MaxRetries
		}
		if req.TimeoutSeconds != nil {
			policy.TimeoutSeconds = *req.TimeoutSeconds
		}
		if req.Active != nil {
			policy.Active = *req.Active
		}
		if req.Description != nil {
			policy.Description = *req.Description
		}
		if err := tx.Save(&policy).Error; err != nil {
			return err
		}

		entry, err = s.audit.RecordWithDB(tx, AuditEntry{
			Actor:      actor,
			Action:     AuditPolicyUpdated,
			EntityType: "policy",
			EntityID:   policy.ID,
			Detail:     map[string]interface{}{"category": category, "before": before, "after": policy},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}
	s.audit.Publish(ctx, entry)
	s.logger.Infof("Policy for %s updated by %s", category, actor)
	return &policy, nil
}

// Seed inserts policies for categories that have none. Existing rows are left untouched.
func (s *PolicyService) Seed(ctx context.Context, policies []models.AutomationPolicy) (int, error) {
	created := 0
	for _, p := range policies {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.AutomationPolicy{}).Where("category = ?", p.Category).Count(&count).Error; err != nil {
			return created, fmt.Errorf("failed to check policy %s: %w", p.Category, err)
		}
		if count > 0 {
			continue
		}
		p := p
		p.ID = 0
		if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
			return created, fmt.Errorf("failed to seed policy %s: %w", p.Category, err)
		}
		created++
	}
	return created, nil
}

// DefaultPolicies 内置默认策略
func DefaultPolicies() []models.AutomationPolicy {
	return []models.AutomationPolicy{
		{Category: models.CategoryPasswordReset, RiskThreshold: models.RiskMedium, AutoApprove: true, MaxRetries: 2, TimeoutSeconds: 300, Active: true, Description: "Self-service password reset"},
		{Category: models.CategoryAccountUnlock, RiskThreshold: models.RiskMedium, AutoApprove: true, MaxRetries: 2, TimeoutSeconds: 300, Active: true, Description: "Unlock locked or disabled accounts"},
		{Category: models.CategoryVPNIssue, RiskThreshold: models.RiskHigh, AutoApprove: true, MaxRetries: 2, TimeoutSeconds: 300, Active: true, Description: "VPN profile, certificate and session remediation"},
		{Category: models.CategoryDeviceCompliance, RiskThreshold: models.RiskHigh, AutoApprove: true, MaxRetries: 2, TimeoutSeconds: 600, Active: true, Description: "Enforce device compliance baseline"},
		{Category: models.CategoryAccessRequest, RiskThreshold: models.RiskHigh, AutoApprove: false, MaxRetries: 1, TimeoutSeconds: 300, Active: true, Description: "Group membership grants require approval"},
	}
}

type policyFile struct {
	Policies []struct {
		Category       models.Category  `yaml:"category"`
		RiskThreshold  models.RiskLevel `yaml:"risk_threshold"`
		AutoApprove    bool             `yaml:"auto_approve"`
		MaxRetries     int              `yaml:"max_retries"`
		TimeoutSeconds int              `yaml:"timeout_seconds"`
		Active         *bool            `yaml:"active"`
		Description    string           `yaml:"description"`
	} `yaml:"policies"`
}

// LoadPolicyFile 从 YAML 文件读取策略种子
func LoadPolicyFile(path string) ([]models.AutomationPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(raw)
}

// ParsePolicies parses the policies YAML document.
func ParsePolicies(raw []byte) ([]models.AutomationPolicy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	out := make([]models.AutomationPolicy, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		if !p.Category.Valid() || p.Category == models.CategoryUnclassified {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, p.Category)
		}
		if p.RiskThreshold.Rank() > models.RiskCritical.Rank() {
			return nil, fmt.Errorf("%w: unknown risk level %q for %s", ErrInvalidInput, p.RiskThreshold, p.Category)
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		out = append(out, models.AutomationPolicy{
			Category:       p.Category,
			RiskThreshold:  p.RiskThreshold,
			AutoApprove:    p.AutoApprove,
			MaxRetries:     p.MaxRetries,
			TimeoutSeconds: p.TimeoutSeconds,
			Active:         active,
			Description:    p.Description,
		})
	}
	return out, nil
}

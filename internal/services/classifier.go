package services

import (
	"regexp"
	"sort"
	"strings"

	"remedy/internal/models"
)

const (
	maxConfidence         = 0.99
	missingEntityPenalty  = 0.5
	defaultConfidenceGate = 0.6

	AffectedUserFromText      = "text"
	AffectedUserFromRequester = "requester"
)

// ClassifyInput 分类输入
type ClassifyInput struct {
	Subject        string
	Description    string
	RequesterEmail string
}

// Entities 从工单文本中抽取的结构化字段
type Entities struct {
	AffectedUser       string   `json:"affected_user,omitempty"`
	AffectedUserSource string   `json:"affected_user_source,omitempty"`
	Device             string   `json:"device,omitempty"`
	Resource           string   `json:"resource,omitempty"`
	Symptoms           []string `json:"symptoms,omitempty"`
}

// Has reports whether symptom was detected.
func (e Entities) Has(symptom string) bool {
	for _, s := range e.Symptoms {
		if s == symptom {
			return true
		}
	}
	return false
}

// Classification 分类结果
type Classification struct {
	Category   models.Category `json:"category"`
	Confidence float64         `json:"confidence"`
	// Score is the best rule score before the confidence floor; it is kept for unclassified tickets.
	Score      float64         `json:"score"`
	Priority   models.Priority `json:"priority"`
	Entities   Entities        `json:"entities"`
	Matches    []string        `json:"matches,omitempty"`
	// Downgraded is set when a required entity was missing.
	Downgraded bool `json:"downgraded,omitempty"`
}

type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

type categoryRule struct {
	category models.Category
	patterns []weightedPattern
	requires func(Entities) bool
}

func p(expr string, weight float64) weightedPattern {
	return weightedPattern{re: regexp.MustCompile(expr), weight: weight}
}

func hasUser(e Entities) bool     { return e.AffectedUser != "" }
func hasResource(e Entities) bool { return e.Resource != "" }
func hasTarget(e Entities) bool   { return e.Device != "" || e.AffectedUser != "" }

// Phrase patterns weigh more than single keywords. Rules are listed in tie-break order.
var classifierRules = []categoryRule{
	{
		category: models.CategoryAccountUnlock,
		requires: hasUser,
		patterns: []weightedPattern{
			p(`account\s+(?:is\s+|has\s+been\s+|got\s+)?(?:locked|disabled|suspended)`, 0.9),
			p(`unlock\s+(?:my\s+|the\s+|his\s+|her\s+)?account`, 0.9),
			p(`(?:locked|disabled)\s+account`, 0.85),
			p(`too\s+many\s+(?:failed\s+)?(?:login\s+|sign[\s-]?in\s+)?attempts`, 0.85),
			p(`locked\s+out`, 0.8),
			p(`\blocked\b`, 0.4),
		},
	},
	{
		category: models.CategoryAccessRequest,
		requires: hasResource,
		patterns: []weightedPattern{
			p(`(?:need|needs|request|requesting|require|requires)\s+(?:\w+\s+)?(?:access|permission)`, 0.85),
			p(`(?:grant|give|provide)\s+(?:me\s+|him\s+|her\s+)?(?:access|permission)`, 0.85),
			p(`add\s+(?:me\s+)?to\s+(?:the\s+)?[\w-]*\s*group`, 0.8),
			p(`permission\s+(?:denied|required)`, 0.7),
			p(`access\s+to\s+(?:the\s+)?[\w-]+`, 0.6),
			p(`\b[\w-]+\s+(?:share|folder|drive)\b`, 0.4),
		},
	},
	{
		category: models.CategoryPasswordReset,
		requires: hasUser,
		patterns: []weightedPattern{
			p(`password\s+(?:reset|change|forgot|forgotten|expired)`, 0.9),
			p(`(?:reset|change|forgot|forgotten)\s+(?:my\s+)?password`, 0.9),
			p(`password\s+(?:doesn't|does\s+not|isn't|is\s+not|not)\s+work`, 0.85),
			p(`password\s+(?:has\s+)?expired`, 0.85),
			p(`can(?:'t|not|\s+not)\s+(?:log\s*in|sign\s*in)`, 0.6),
			p(`\bpassword\b`, 0.4),
		},
	},
	{
		category: models.CategoryVPNIssue,
		requires: hasUser,
		patterns: []weightedPattern{
			p(`vpn\s+(?:is\s+)?(?:not\s+working|connection|issue|problem|error|disconnect\w*|timeout|timing\s+out|keeps\s+dropping)`, 0.9),
			p(`(?:can't|cannot|can\s+not|unable\s+to)\s+connect\s+to\s+(?:the\s+)?vpn`, 0.9),
			p(`vpn\s+certificate`, 0.85),
			p(`remote\s+access\s+(?:issue|problem|not\s+working)`, 0.75),
			p(`\bvpn\b`, 0.55),
		},
	},
	{
		category: models.CategoryDeviceCompliance,
		requires: hasTarget,
		patterns: []weightedPattern{
			p(`device\s+(?:is\s+)?(?:compliance|not\s+compliant|non-?compliant|out\s+of\s+date)`, 0.9),
			p(`antivirus\s+(?:is\s+)?(?:out\s+of\s+date|not\s+updated|disabled|expired)`, 0.85),
			p(`(?:security\s+)?patch(?:es)?\s+(?:needed|required|missing)`, 0.8),
			p(`device\s+health\s+check`, 0.8),
			p(`updates?\s+(?:needed|required|available)`, 0.6),
			p(`\bcomplian(?:ce|t)\b`, 0.5),
		},
	},
}

var (
	emailRe      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	forUserRe    = regexp.MustCompile(`(?i)\bfor\s+user\s+([a-z0-9._-]+)`)
	assetTagRe   = regexp.MustCompile(`(?i)\b((?:laptop|desktop|pc|ws|wks|host|mac|nb)-[a-z0-9-]+)\b`)
	deviceNameRe = regexp.MustCompile(`(?i)\b(?:device|laptop|computer|machine|workstation|hostname)\s+(?:name\s+)?(?:is\s+)?([a-z0-9][a-z0-9-]*\d[a-z0-9-]*)\b`)

	resourceRes = []*regexp.Regexp{
		regexp.MustCompile(`access\s+to\s+(?:the\s+)?([\w-]+)`),
		regexp.MustCompile(`([\w-]+)\s+(?:share|folder|drive)\b`),
		regexp.MustCompile(`permission\s+(?:for|on)\s+(?:the\s+)?([\w-]+)`),
		regexp.MustCompile(`add\s+(?:me\s+)?to\s+(?:the\s+)?([\w-]+)\s+group`),
	}

	symptomRes = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"expired", regexp.MustCompile(`\bexpir(?:ed|y|es)\b`)},
		{"forgot", regexp.MustCompile(`\bforg(?:ot|otten)\b`)},
		{"not_working", regexp.MustCompile(`not\s+working|doesn't\s+work|does\s+not\s+work`)},
		{"too_many_attempts", regexp.MustCompile(`too\s+many\s+(?:\w+\s+)*attempts`)},
		{"disabled", regexp.MustCompile(`\b(?:disabled|suspended)\b`)},
		{"certificate", regexp.MustCompile(`\bcert(?:ificate)?s?\b`)},
		{"credentials", regexp.MustCompile(`\bcredentials?\b|authentication\s+fail`)},
		{"timeout", regexp.MustCompile(`\btim(?:ed|ing)?\s*out\b|\btimeout\b`)},
		{"disconnect", regexp.MustCompile(`disconnect|keeps\s+dropping|\bdrops\b`)},
		{"patches", regexp.MustCompile(`\bpatch(?:es)?\b|\bupdates?\b`)},
		{"antivirus", regexp.MustCompile(`anti-?virus|defender`)},
		{"encryption", regexp.MustCompile(`encrypt|bitlocker|filevault`)},
		{"firewall", regexp.MustCompile(`firewall`)},
	}

	priorityRules = []struct {
		priority models.Priority
		re       *regexp.Regexp
	}{
		{models.PriorityCritical, regexp.MustCompile(`\b(?:critical|urgent\w*|emergency|down|outage)\b|cannot\s+work`)},
		{models.PriorityHigh, regexp.MustCompile(`high\s+priority|\basap\b|\bimportant\b|\bblocking\b`)},
		{models.PriorityLow, regexp.MustCompile(`low\s+priority|when\s+possible|\bminor\b`)},
	}

	resourceStopwords = map[string]bool{
		"the": true, "a": true, "an": true, "my": true, "our": true, "this": true,
		"that": true, "shared": true, "network": true, "team": true, "me": true,
	}
)

// Classifier 基于规则的工单分类器，纯函数、无副作用
type Classifier struct {
	rules         []categoryRule
	minConfidence float64
}

func NewClassifier(minConfidence float64) *Classifier {
	if minConfidence <= 0 || minConfidence >= 1 {
		minConfidence = defaultConfidenceGate
	}
	return &Classifier{rules: classifierRules, minConfidence: minConfidence}
}

// Classify 分类工单并抽取实体
func (c *Classifier) Classify(in ClassifyInput) Classification {
	raw := strings.TrimSpace(in.Subject + " " + in.Description)
	text := strings.ToLower(raw)
	entities := extractEntities(raw, text, in.RequesterEmail)
	result := Classification{
		Category: models.CategoryUnclassified,
		Priority: detectPriority(text),
		Entities: entities,
	}

	best := -1
	var bestScore float64
	var bestMatches []string
	for i, rule := range c.rules {
		score, matches := scoreRule(rule, text)
		if score == 0 {
			continue
		}
		// strict comparison keeps the earlier rule on ties
		if score > bestScore {
			best, bestScore, bestMatches = i, score, matches
		}
	}
	if best < 0 {
		return result
	}

	rule := c.rules[best]
	if rule.requires != nil && !rule.requires(entities) {
		bestScore *= missingEntityPenalty
		result.Downgraded = true
	}
	result.Score = bestScore
	result.Matches = bestMatches
	if bestScore < c.minConfidence {
		// unclassified 的置信度恒为 0
		return result
	}

	result.Category = rule.category
	result.Confidence = bestScore
	return result
}

// MinConfidence returns the confidence floor.
func (c *Classifier) MinConfidence() float64 { return c.minConfidence }

// scoreRule combines matched weights as a noisy-or, capped below certainty.
func scoreRule(rule categoryRule, text string) (float64, []string) {
	miss := 1.0
	var matches []string
	for _, pat := range rule.patterns {
		if m := pat.re.FindString(text); m != "" {
			miss *= 1 - pat.weight
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return 0, nil
	}
	score := 1 - miss
	if score > maxConfidence {
		score = maxConfidence
	}
	return score, matches
}

func detectPriority(text string) models.Priority {
	for _, r := range priorityRules {
		if r.re.MatchString(text) {
			return r.priority
		}
	}
	return models.PriorityMedium
}

func extractEntities(raw, text, requester string) Entities {
	var e Entities
	requester = strings.ToLower(strings.TrimSpace(requester))

	for _, email := range emailRe.FindAllString(raw, -1) {
		if strings.ToLower(email) != requester {
			e.AffectedUser = strings.ToLower(email)
			e.AffectedUserSource = AffectedUserFromText
			break
		}
	}
	if e.AffectedUser == "" {
		if m := forUserRe.FindStringSubmatch(raw); m != nil {
			e.AffectedUser = strings.ToLower(m[1])
			e.AffectedUserSource = AffectedUserFromText
		}
	}
	if e.AffectedUser == "" && requester != "" {
		e.AffectedUser = requester
		e.AffectedUserSource = AffectedUserFromRequester
	}

	if m := assetTagRe.FindStringSubmatch(raw); m != nil {
		e.Device = strings.ToUpper(m[1])
	} else if m := deviceNameRe.FindStringSubmatch(raw); m != nil {
		e.Device = strings.ToUpper(m[1])
	}

	for _, re := range resourceRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if candidate := m[1]; !resourceStopwords[candidate] {
				e.Resource = candidate
				break
			}
		}
		if e.Resource != "" {
			break
		}
	}

	for _, s := range symptomRes {
		if s.re.MatchString(text) {
			e.Symptoms = append(e.Symptoms, s.name)
		}
	}
	sort.Strings(e.Symptoms)
	return e
}

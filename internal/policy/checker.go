package policy

import (
	"regexp"
	"strings"

	"github.com/moltworks/agent-directory/internal/models"
)

// Check evaluates an execution trace against a declared policy and returns a
// structured verdict. All four categories are evaluated independently so a
// caller can render a full audit, not just the overall boolean.
//
// A nil policy or trace yields an unverified verdict with a reason, never an
// error: the checker itself has no failure states.
func Check(policy *models.Policy, trace *models.ExecutionTrace) models.ComplianceVerdict {
	if policy == nil || trace == nil {
		return models.ComplianceVerdict{
			PolicyVerified: false,
			Reason:         "no policy or trace provided",
		}
	}

	checks := &models.PolicyChecks{
		Tools:    checkTools(policy.AllowedTools, trace.ToolsUsed),
		Domains:  checkDomains(policy, trace.DomainsAccessed),
		Duration: checkLimit(policy.MaxDurationMinutes, trace.DurationMinutes),
		Cost:     checkLimit(policy.MaxCostUSD, trace.CostUSD),
	}

	return models.ComplianceVerdict{
		PolicyVerified: checks.Tools.Pass && checks.Domains.Pass &&
			checks.Duration.Pass && checks.Cost.Pass,
		Checks: checks,
	}
}

func checkTools(allowed, used []string) models.ToolCheck {
	check := models.ToolCheck{Pass: true, Used: used, Allowed: allowed}
	if allowed == nil {
		return check
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, tool := range allowed {
		permitted[tool] = struct{}{}
	}
	for _, tool := range used {
		if _, ok := permitted[tool]; !ok {
			check.Violations = append(check.Violations, tool)
		}
	}
	check.Pass = len(check.Violations) == 0
	return check
}

func checkDomains(policy *models.Policy, accessed []string) models.DomainCheck {
	check := models.DomainCheck{Pass: true, Accessed: accessed, Violations: []models.DomainViolation{}}

	blocked := compilePatterns(policy.BlockedDomains)
	allowed := compilePatterns(policy.AllowedDomains)

	for _, domain := range accessed {
		for i, matcher := range blocked {
			if matcher.MatchString(domain) {
				check.Violations = append(check.Violations, models.DomainViolation{
					Domain:    domain,
					BlockedBy: policy.BlockedDomains[i],
				})
			}
		}
		// The allow list only constrains when non-empty.
		if len(allowed) > 0 {
			matched := false
			for _, matcher := range allowed {
				if matcher.MatchString(domain) {
					matched = true
					break
				}
			}
			if !matched {
				check.Violations = append(check.Violations, models.DomainViolation{
					Domain: domain,
					Reason: "not in allowedDomains",
				})
			}
		}
	}
	check.Pass = len(check.Violations) == 0
	return check
}

// checkLimit passes when no ceiling is declared or the observed value does not
// strictly exceed it (the boundary is inclusive).
func checkLimit(max *float64, actual float64) models.LimitCheck {
	check := models.LimitCheck{Pass: true, Actual: actual, Max: max}
	if max != nil && actual > *max {
		check.Pass = false
	}
	return check
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	matchers := make([]*regexp.Regexp, len(patterns))
	for i, pattern := range patterns {
		matchers[i] = compileWildcard(pattern)
	}
	return matchers
}

// compileWildcard turns a domain pattern into an anchored, case-insensitive
// matcher. "*" matches any run of characters; every other character is taken
// literally, so regex metacharacters in a pattern cannot leak into the match.
func compileWildcard(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$")
}

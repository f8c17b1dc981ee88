package agent

import (
	"regexp"
	"strings"
)

// Intent is the coarse category of a user message.
type Intent string

const (
	IntentPolicyQuery   Intent = "policy_query"
	IntentAccountAction Intent = "account_action"
	IntentGeneral       Intent = "general"
)

var (
	accountPattern = regexp.MustCompile(`(?i)\b(my order|order ?#?\d+|ord_[a-z0-9]+|trk_[a-z0-9]+|tracking|refund me|issue a refund|cancel my|reset my password|password reset|change my (email|phone)|update my (email|phone|contact)|open a ticket|create a ticket)\b`)
	policyWords    = []string{"policy", "return", "refund", "shipping", "warranty", "exchange", "how long", "how do", "can i", "allowed", "eligible"}
)

// Triage classifies a message with a few keyword rules. Account actions win
// over policy questions since they name a concrete order or account.
func Triage(message string) Intent {
	if accountPattern.MatchString(message) {
		return IntentAccountAction
	}
	lower := strings.ToLower(message)
	for _, w := range policyWords {
		if strings.Contains(lower, w) {
			return IntentPolicyQuery
		}
	}
	return IntentGeneral
}

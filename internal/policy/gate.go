// Package policy decides which proposed actions need a human first.
package policy

import (
	"strings"

	"jorbline/internal/config"
	"jorbline/internal/domain"
)

// alwaysGated categories need approval whatever the configuration says.
var alwaysGated = map[string]bool{"cancel": true, "commit": true}

// RequiresApproval reports whether action must be approved before it runs.
// It is a pure function of its arguments.
func RequiresApproval(action domain.Action, jorb domain.Jorb, p config.Policy) bool {
	_, gated := Reason(action, jorb, p)
	return gated
}

// Reason is RequiresApproval plus the category the human is asked about.
func Reason(action domain.Action, jorb domain.Jorb, p config.Policy) (string, bool) {
	category := strings.ToLower(strings.TrimSpace(action.Category))
	if category != "" {
		if alwaysGated[category] {
			return category, true
		}
		for _, c := range p.RequireApprovalFor {
			if strings.EqualFold(strings.TrimSpace(c), category) {
				return category, true
			}
		}
	}
	if action.EstimatedCost > p.MaxSpendWithoutApproval {
		if category == "" {
			category = "spend"
		}
		return category, true
	}
	if p.RequireApprovalForNewContacts && action.Type == domain.ActionSendMessage && !jorb.HasContact(action.Channel, action.Recipient) {
		return "new_contact", true
	}
	return "", false
}

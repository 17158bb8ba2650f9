package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"jorbline/internal/domain"
)

// Decision is the oracle's answer for one execution cycle. Intent is the
// discriminant; Validate checks the fields each intent requires.
type Decision struct {
	Reasoning        string         `json:"reasoning"`
	Action           *domain.Action `json:"action"`
	Intent           string         `json:"intent"`
	PauseReason      string         `json:"pauseReason,omitempty"`
	NeedsApprovalFor string         `json:"needsApprovalFor,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Awaiting         string         `json:"awaiting,omitempty"`
}

// InvalidDecisionError reports oracle output that cannot be trusted.
type InvalidDecisionError struct {
	Reason string
	Raw    string
}

func (e *InvalidDecisionError) Error() string {
	return "invalid decision: " + e.Reason
}

func invalidDecision(raw, format string, args ...any) error {
	return &InvalidDecisionError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// IsInvalidDecision reports whether err is an *InvalidDecisionError.
func IsInvalidDecision(err error) bool {
	var ide *InvalidDecisionError
	return errors.As(err, &ide)
}

// ParseDecision strictly decodes and validates raw model output.
func ParseDecision(raw string) (Decision, error) {
	body := stripFences(raw)
	var d Decision
	if err := decodeStrict(body, &d); err != nil {
		return Decision{}, invalidDecision(raw, "%v", err)
	}
	if err := d.Validate(); err != nil {
		var ide *InvalidDecisionError
		if errors.As(err, &ide) {
			ide.Raw = raw
		}
		return Decision{}, err
	}
	if d.Action != nil && d.Action.Type == domain.ActionNoop {
		d.Action = nil
	}
	return d, nil
}

func (d Decision) Validate() error {
	if strings.TrimSpace(d.Reasoning) == "" {
		return invalidDecision("", "reasoning is required")
	}
	switch d.Intent {
	case domain.IntentContinue, domain.IntentCancel:
	case domain.IntentPause:
		if strings.TrimSpace(d.PauseReason) == "" {
			return invalidDecision("", "pauseReason is required for intent pause")
		}
	case domain.IntentComplete:
		if d.Result == nil {
			return invalidDecision("", "result is required for intent complete")
		}
	case "":
		return invalidDecision("", "intent is required")
	default:
		return invalidDecision("", "unknown intent %q", d.Intent)
	}
	if d.Action == nil {
		return nil
	}
	a := d.Action
	if a.EstimatedCost < 0 {
		return invalidDecision("", "estimatedCost must not be negative")
	}
	switch a.Type {
	case domain.ActionNoop:
	case domain.ActionSendMessage:
		if !domain.ValidChannel(a.Channel) {
			return invalidDecision("", "action channel %q not supported", a.Channel)
		}
		if strings.TrimSpace(a.Recipient) == "" {
			return invalidDecision("", "action recipient is required")
		}
		if strings.TrimSpace(a.Content) == "" {
			return invalidDecision("", "action content is required")
		}
	case "":
		return invalidDecision("", "action type is required")
	default:
		return invalidDecision("", "unknown action type %q", a.Type)
	}
	return nil
}

func decodeStrict(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("empty response")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

// stripFences removes a markdown code fence around a JSON body.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

package oracle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"jorbline/internal/domain"
)

func TestParseDecisionAccepts(t *testing.T) {
	d, err := ParseDecision("```json\n" + `{"reasoning":"ask","action":{"type":"send_message","channel":"sms","recipient":"+1555","content":"hi","category":"commit","estimatedCost":12.5},"intent":"continue","awaiting":"reply"}` + "\n```")
	require.NoError(t, err)
	require.Equal(t, domain.IntentContinue, d.Intent)
	require.Equal(t, "commit", d.Action.Category)
	require.Equal(t, 12.5, d.Action.EstimatedCost)
	require.Equal(t, "reply", d.Awaiting)
}

func TestParseDecisionDropsNoop(t *testing.T) {
	d, err := ParseDecision(`{"reasoning":"wait","action":{"type":"no_action"},"intent":"continue"}`)
	require.NoError(t, err)
	require.Nil(t, d.Action)
}

func TestParseDecisionRejects(t *testing.T) {
	cases := map[string]string{
		"not json":                `I think we should wait`,
		"unknown field":           `{"reasoning":"r","intent":"continue","mood":"happy"}`,
		"missing reasoning":       `{"intent":"continue"}`,
		"missing intent":          `{"reasoning":"r"}`,
		"bad intent":              `{"reasoning":"r","intent":"explode"}`,
		"pause without reason":    `{"reasoning":"r","intent":"pause"}`,
		"complete without result": `{"reasoning":"r","intent":"complete"}`,
		"send without content":    `{"reasoning":"r","intent":"continue","action":{"type":"send_message","channel":"sms","recipient":"+1"}}`,
		"send bad channel":        `{"reasoning":"r","intent":"continue","action":{"type":"send_message","channel":"fax","recipient":"+1","content":"x"}}`,
		"negative cost":           `{"reasoning":"r","intent":"continue","action":{"type":"send_message","channel":"sms","recipient":"+1","content":"x","estimatedCost":-1}}`,
		"unknown action":          `{"reasoning":"r","intent":"continue","action":{"type":"teleport"}}`,
		"trailing data":           `{"reasoning":"r","intent":"continue"} {}`,
		"empty":                   ``,
	}
	for name, raw := range cases {
		_, err := ParseDecision(raw)
		require.Error(t, err, name)
		require.True(t, IsInvalidDecision(err), name)
	}
}

func TestParseDecisionComplete(t *testing.T) {
	d, err := ParseDecision(`{"reasoning":"done","action":null,"intent":"complete","result":{"confirmation":"ABC"}}`)
	require.NoError(t, err)
	require.Equal(t, "ABC", d.Result["confirmation"])
}

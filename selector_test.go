package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectorMessage() *Message {
	return NewMessage().
		SetDestination(Queue("q")).
		SetUserProperty("color", SDTString("red")).
		SetUserProperty("level", SDTInt64(3)).
		SetUserProperty("urgent", SDTBool(false))
}

func TestParseSelector(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", "color = 'red'", true},
		{"string mismatch", "color = 'blue'", false},
		{"string inequality", "color <> 'blue'", true},
		{"int equality", "level = 3", true},
		{"int mismatch", "level = 4", false},
		{"bool equality", "urgent = false", true},
		{"conjunction", "color = 'red' AND level = 3", true},
		{"conjunction short-circuit", "color = 'red' AND level = 9", false},
		{"missing property", "shape = 'round'", false},
		{"type mismatch", "color = 3", false},
	}

	msg := selectorMessage()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sel, err := parseSelector(tc.expr)
			require.NoError(t, err)
			require.NotNil(t, sel)
			assert.Equal(t, tc.want, sel(msg))
		})
	}
}

func TestParseSelectorEmpty(t *testing.T) {
	sel, err := parseSelector("")
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestParseSelectorInvalid(t *testing.T) {
	for _, expr := range []string{
		"color",
		"color = ",
		"= 'red'",
		"color == 'red' extra tokens",
		"color = 'unterminated",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := parseSelector(expr)
			assert.ErrorIs(t, err, ErrInvalidSelector)
		})
	}
}

func TestSelectorNoProperties(t *testing.T) {
	sel, err := parseSelector("color = 'red'")
	require.NoError(t, err)
	assert.False(t, sel(NewMessage().SetDestination(Queue("q"))))
}

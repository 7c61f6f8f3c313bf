package csvparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipientRows(t *testing.T) {
	in := "Name, Email ,Plan\n" +
		"Ada,ada@example.com,pro\n" +
		"Bob,,free\n" +
		"Cy,cy@example.com\n" +
		"Di, di@example.com ,free\n"

	res, err := ParseRecipientRows(strings.NewReader(in), 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	assert.Equal(t, "ada@example.com", res.Rows[0].Recipient)
	assert.Equal(t, map[string]string{"Name": "Ada", "Plan": "pro"}, res.Rows[0].Fields)
	assert.Equal(t, 2, res.Rows[0].Line)
	assert.Equal(t, "di@example.com", res.Rows[1].Recipient)

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, 3, res.Skipped[0].Line)
	assert.Equal(t, "empty recipient", res.Skipped[0].Reason)
	assert.Equal(t, 4, res.Skipped[1].Line)
}

func TestParseRecipientRows_ColumnPreference(t *testing.T) {
	in := "phone,recipient\n+14155550100,+14155550199\n"

	res, err := ParseRecipientRows(strings.NewReader(in), 0)
	require.NoError(t, err)
	assert.Equal(t, "+14155550199", res.Rows[0].Recipient)
	assert.Equal(t, "+14155550100", res.Rows[0].Fields["phone"])
}

func TestParseRecipientRows_Errors(t *testing.T) {
	_, err := ParseRecipientRows(strings.NewReader(""), 0)
	assert.Error(t, err)

	_, err = ParseRecipientRows(strings.NewReader("name,plan\nAda,pro\n"), 0)
	assert.ErrorIs(t, err, ErrNoRecipientColumn)

	_, err = ParseRecipientRows(strings.NewReader("email\n"), 0)
	assert.Error(t, err)

	_, err = ParseRecipientRows(strings.NewReader("email\na@b.com\nc@d.com\n"), 1)
	assert.ErrorContains(t, err, "more than 1")
}

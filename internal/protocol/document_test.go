package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentName(t *testing.T) {
	assert.Equal(t, "proposal-42", DocumentName("", "42"))
	assert.Equal(t, "review_round-a-b", DocumentName("review_round", "a-b"))
}

func TestParseDocumentName(t *testing.T) {
	entity, id, err := ParseDocumentName("proposal-2f1c-99")
	require.NoError(t, err)
	assert.Equal(t, "proposal", entity)
	assert.Equal(t, "2f1c-99", id)

	for _, bad := range []string{"", "proposal", "proposal-", "-42", "Proposal-42", "pro posal-1"} {
		_, _, err := ParseDocumentName(bad)
		assert.ErrorIs(t, err, ErrInvalidDocument, bad)
	}
}

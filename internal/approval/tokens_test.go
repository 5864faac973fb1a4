package approval

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-pipeline/internal/models"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)
	tok, err := tokens.Issue("job-1", models.StageScript, ActionApprove)
	require.NoError(t, err)
	assert.Len(t, strings.Split(tok, "."), 3)

	claims, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "job-1", claims.JobID)
	assert.Equal(t, models.StageScript, claims.Stage)
	assert.Equal(t, ActionApprove, claims.Action)
	assert.NotEmpty(t, claims.ID)
}

func TestTokensRejectTampering(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)
	tok, err := tokens.Issue("job-1", models.StageOutline, ActionReject)
	require.NoError(t, err)

	_, err = NewTokens("other-secret", time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	parts := strings.Split(tok, ".")
	forged := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = tokens.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensExpire(t *testing.T) {
	tokens := NewTokens("test-secret", time.Minute)
	issued := time.Now()
	tokens.now = func() time.Time { return issued }
	tok, err := tokens.Issue("job-1", models.StageAudio, ActionApprove)
	require.NoError(t, err)

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = tokens.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("approve")
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, a)
	_, err = ParseAction("maybe")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensRequireSecret(t *testing.T) {
	unsigned := NewTokens("", time.Hour)
	_, err := unsigned.Issue("job-1", models.StageOutline, ActionApprove)
	assert.Error(t, err)

	tok, err := NewTokens("test-secret", time.Hour).Issue("job-1", models.StageOutline, ActionApprove)
	require.NoError(t, err)
	_, err = unsigned.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

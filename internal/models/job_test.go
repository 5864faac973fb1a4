package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBriefValidate(t *testing.T) {
	ok := Brief{Topic: "X", Tone: ToneProfessional, LengthMinutes: 10}
	require.NoError(t, ok.Validate())

	cases := []struct {
		name  string
		brief Brief
		want  string
	}{
		{"missing topic", Brief{Tone: ToneCasual, LengthMinutes: 10}, "topic"},
		{"blank topic", Brief{Topic: "  ", Tone: ToneCasual, LengthMinutes: 10}, "topic"},
		{"bad tone", Brief{Topic: "X", Tone: "snarky", LengthMinutes: 10}, "tone"},
		{"too short", Brief{Topic: "X", Tone: ToneCasual, LengthMinutes: 4}, "lengthminutes"},
		{"too long", Brief{Topic: "X", Tone: ToneCasual, LengthMinutes: 61}, "lengthminutes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.brief.Validate()
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tc.want)
		})
	}

	edge := Brief{Topic: "X", Tone: ToneInspirational, LengthMinutes: 60}
	assert.NoError(t, edge.Validate())
	edge.LengthMinutes = 5
	assert.NoError(t, edge.Validate())
}

func TestJobApprovalBookkeeping(t *testing.T) {
	job := Job{ID: "j1", Status: StatusOutlineApproval}
	now := time.Now().UTC()
	job.Approvals.Outline.Requested = true
	job.Approvals.Outline.RequestedAt = &now
	job.ApprovalStage = StageOutline
	deadline := now.Add(time.Hour)
	job.ApprovalTimeout = &deadline

	assert.True(t, job.AwaitingDecision())
	assert.Equal(t, []Stage{StageOutline}, job.PendingStages())

	job.ResolvePending(StageOutline, true, now)
	assert.False(t, job.AwaitingDecision())
	assert.Empty(t, job.PendingStages())
	assert.True(t, job.Approvals.Outline.Approved)
	assert.Nil(t, job.ApprovalTimeout)
}

func TestJobFailClearsPending(t *testing.T) {
	job := Job{ID: "j1", Status: StatusScriptApproval, ApprovalStage: StageScript}
	job.Approvals.Script.Requested = true
	job.Fail("approval timeout")

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "approval timeout", job.ErrorMessage)
	assert.Empty(t, job.PendingStages())
	assert.False(t, job.Approvals.Script.Approved)
}

func TestIncrementRetry(t *testing.T) {
	var job Job
	assert.Equal(t, 1, job.IncrementRetry(StageOutline))
	assert.Equal(t, 2, job.IncrementRetry(StageOutline))
	assert.Equal(t, 1, job.IncrementRetry(StageScript))
	assert.Equal(t, 3, job.RetryCount)
	assert.Equal(t, 2, job.Retries(StageOutline))
	assert.Equal(t, 0, job.Retries(StageAudio))
}

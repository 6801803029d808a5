package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/reprise/internal/models"
)

func TestApprovalGateSuspendsBeforeFirstIteration(t *testing.T) {
	inv := newScriptedInvoker()
	inv.script("risky migration", agentStep{exitCode: 0, output: "migrated"})
	h := newHarness(t, testConfig(), inv)

	task := h.submit(models.TaskSpec{Prompt: "risky migration", RequireApproval: true})
	done := h.runAsync()

	assert.Equal(t, task.ID, waitApproval(t, h))

	suspended := h.taskState(task.ID)
	assert.Equal(t, models.StatusAwaitingApproval, suspended.Status)
	assert.Equal(t, 0, suspended.Iteration, "suspension consumes no iteration")
	assert.Equal(t, 0, inv.callCount("risky migration"))

	require.NoError(t, h.ctrl.Approve(context.Background(), task.ID, true))
	require.NoError(t, waitDone(t, done))

	final := h.taskState(task.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Iteration)
	assert.Equal(t, models.ApprovalGranted, final.ApprovalDecision)
}

func TestApprovalRejectionFailsWithoutInvocation(t *testing.T) {
	inv := newScriptedInvoker()
	inv.script("risky migration", agentStep{exitCode: 0, output: "migrated"})
	h := newHarness(t, testConfig(), inv)

	task := h.submit(models.TaskSpec{Prompt: "risky migration", RequireApproval: true})
	done := h.runAsync()

	waitApproval(t, h)
	require.NoError(t, h.ctrl.Approve(context.Background(), task.ID, false))
	require.NoError(t, waitDone(t, done))

	final := h.taskState(task.ID)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.ErrKindApprovalRejected, final.ErrKind)
	assert.Equal(t, "rejected at the approval gate", final.ErrMessage)
	assert.Equal(t, 0, final.Iteration)
	assert.Equal(t, 0, inv.callCount("risky migration"))
	assert.Empty(t, h.events(), "a rejected task never produces iteration events")
}

func TestExternalApprovalDecisionPickedUpByPoll(t *testing.T) {
	inv := newScriptedInvoker()
	inv.script("guarded deploy", agentStep{exitCode: 0, output: "deployed"})
	h := newHarness(t, testConfig(), inv)

	task := h.submit(models.TaskSpec{Prompt: "guarded deploy", RequireApproval: true})
	done := h.runAsync()

	waitApproval(t, h)

	// Another process deciding via the CLI writes straight to the store.
	require.NoError(t, h.store.RecordApprovalDecision(context.Background(), task.ID, models.ApprovalGranted))
	require.NoError(t, waitDone(t, done))

	final := h.taskState(task.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Iteration)
}

func TestApprovalTimeoutAutoRejects(t *testing.T) {
	inv := newScriptedInvoker()
	inv.script("unattended work", agentStep{exitCode: 0, output: "done"})
	cfg := testConfig()
	cfg.Approval.TimeoutS = 1
	h := newHarness(t, cfg, inv)

	task := h.submit(models.TaskSpec{Prompt: "unattended work", RequireApproval: true})
	done := h.runAsync()

	waitApproval(t, h)
	require.NoError(t, waitDone(t, done))

	final := h.taskState(task.ID)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, models.ErrKindApprovalRejected, final.ErrKind)
	assert.Contains(t, final.ErrMessage, "approval timed out")
	assert.Equal(t, models.ApprovalRejected, final.ApprovalDecision)
	assert.Equal(t, 0, inv.callCount("unattended work"))
}

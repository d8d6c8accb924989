package task

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/auditloop"
	xerrors "chimera/internal/errors"
	"chimera/internal/llm"
)

type stubModel struct {
	scores  []float64
	audits  int
	prompts []string
	genErr  error
}

func (m *stubModel) Generate(_ context.Context, prompt string) iter.Seq2[string, error] {
	m.prompts = append(m.prompts, prompt)
	return func(yield func(string, error) bool) {
		if m.genErr != nil {
			yield("", m.genErr)
			return
		}
		yield("```solidity\npragma solidity ^0.8.0;\ncontract Token {\n}\n```", nil)
	}
}

func (m *stubModel) Audit(context.Context, string) (llm.Report, error) {
	score := m.scores[min(m.audits, len(m.scores)-1)]
	m.audits++
	return llm.Report{Text: "- High: missing access control on mint", Score: &score}, nil
}

func TestAuditExecutorReturnsPassingResult(t *testing.T) {
	model := &stubModel{scores: []float64{40, 88}}
	exec := NewAuditExecutor(auditloop.New(model, model), 3)

	result, err := exec.Execute(context.Background(), &Task{ID: "job", Prompt: "an erc20 token"})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, 88.0, result.Score)
	assert.Equal(t, 2, result.Iterations)
	assert.Contains(t, result.Code, "contract Token")
	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[1], "Fix these issues")
}

func TestAuditExecutorReturnsBestFailingResult(t *testing.T) {
	model := &stubModel{scores: []float64{55, 70}}
	exec := NewAuditExecutor(auditloop.New(model, model), 2)

	result, err := exec.Execute(context.Background(), &Task{ID: "job", Prompt: "vault"})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, 70.0, result.Score)
	assert.Equal(t, 2, result.Iterations)
	assert.NotEmpty(t, result.Issues)
}

func TestAuditExecutorPropagatesServiceFailure(t *testing.T) {
	model := &stubModel{scores: []float64{90}, genErr: assert.AnError}
	exec := NewAuditExecutor(auditloop.New(model, model), 1)

	_, err := exec.Execute(context.Background(), &Task{ID: "job", Prompt: "vault"})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAuditServiceFailure))
	assert.True(t, xerrors.RetryableError(err))
}

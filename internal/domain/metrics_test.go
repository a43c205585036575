package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMergeAddsFields(t *testing.T) {
	var m Metrics
	m.Merge(Metrics{InputTokens: Int(1)})
	m.Merge(Metrics{OutputTokens: Int(2)})

	require.NotNil(t, m.InputTokens)
	require.NotNil(t, m.OutputTokens)
	assert.Equal(t, 1, *m.InputTokens)
	assert.Equal(t, 2, *m.OutputTokens)
}

func TestMetricsMergeAbsentFieldKeepsValue(t *testing.T) {
	m := Metrics{InputTokens: Int(10)}
	m.Merge(Metrics{InputTokens: nil, ReasoningTokens: Int(3)})

	assert.Equal(t, 10, *m.InputTokens)
	assert.Equal(t, 3, *m.ReasoningTokens)
}

func TestMetricsMergeOverwritesPresentField(t *testing.T) {
	m := Metrics{OutputTokens: Int(5)}
	m.Merge(Metrics{OutputTokens: Int(9)})
	assert.Equal(t, 9, *m.OutputTokens)
}

func TestMetricsCloneDoesNotAlias(t *testing.T) {
	m := Metrics{InputTokens: Int(1)}
	c := m.Clone()
	*m.InputTokens = 100
	assert.Equal(t, 1, *c.InputTokens)
}

func TestMetricsIsEmpty(t *testing.T) {
	assert.True(t, Metrics{}.IsEmpty())
	assert.False(t, Metrics{UpstreamMs: Int(0)}.IsEmpty())
}

func TestParticleKindIsPart(t *testing.T) {
	assert.True(t, KindText.IsPart())
	assert.True(t, KindFunctionCallAppend.IsPart())
	assert.False(t, KindEnd.IsPart())
	assert.False(t, KindHeartbeat.IsPart())
}

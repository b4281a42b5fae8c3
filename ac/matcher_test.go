package ac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDedupesByFullKey(t *testing.T) {
	b := NewBuilder(false)
	require.NoError(t, b.AddPattern("bash", 1, Equals, "r1"))
	require.NoError(t, b.AddPattern("bash", 1, Equals, "r1"))
	require.NoError(t, b.AddPattern("bash", 1, Contains, "r1"))
	assert.Len(t, b.patterns, 2)
}

func TestBuilderRejectsEmptyPattern(t *testing.T) {
	b := NewBuilder(false)
	err := b.AddPattern("", 1, Equals, "r1")
	assert.Error(t, err)
}

func TestBuilderEnforcesMaxPatterns(t *testing.T) {
	b := NewBuilder(false).WithMaxPatterns(1)
	require.NoError(t, b.AddPattern("a", 1, Equals, "r1"))
	err := b.AddPattern("b", 1, Equals, "r1")
	assert.Error(t, err)
}

func TestMatcherValidatesEqualsKind(t *testing.T) {
	b := NewBuilder(false)
	require.NoError(t, b.AddPattern("bash", 1, Equals, "r1"))
	m, err := b.Build()
	require.NoError(t, err)

	hits := m.MatchesField(1, "bash")
	require.Len(t, hits, 1)
	assert.Equal(t, ReportExact, hits[0].Kind)

	assert.Empty(t, m.MatchesField(1, "/usr/bin/bash"))
}

func TestMatcherValidatesContainsKind(t *testing.T) {
	b := NewBuilder(false)
	require.NoError(t, b.AddPattern("bash", 1, Contains, "r1"))
	m, err := b.Build()
	require.NoError(t, err)

	hits := m.MatchesField(1, "/usr/bin/bash")
	require.Len(t, hits, 1)
	assert.Equal(t, ReportContains, hits[0].Kind)
}

func TestMatcherValidatesPrefixAndSuffixKinds(t *testing.T) {
	b := NewBuilder(false)
	require.NoError(t, b.AddPattern("/usr/bin/", 1, StartsWith, "r1"))
	require.NoError(t, b.AddPattern(".sh", 1, EndsWith, "r1"))
	m, err := b.Build()
	require.NoError(t, err)

	hits := m.MatchesField(1, "/usr/bin/deploy.sh")
	var kinds []ReportKind
	for _, h := range hits {
		kinds = append(kinds, h.Kind)
	}
	assert.Contains(t, kinds, ReportPrefix)
	assert.Contains(t, kinds, ReportSuffix)
}

func TestMatcherIgnoresHitsOnOtherFields(t *testing.T) {
	b := NewBuilder(false)
	require.NoError(t, b.AddPattern("bash", 1, Contains, "r1"))
	m, err := b.Build()
	require.NoError(t, err)

	assert.Empty(t, m.MatchesField(2, "bash"))
}

func TestMatcherCaseInsensitiveFoldsASCII(t *testing.T) {
	b := NewBuilder(true)
	require.NoError(t, b.AddPattern("BASH", 1, Equals, "r1"))
	m, err := b.Build()
	require.NoError(t, err)

	hits := m.MatchesField(1, "bash")
	require.Len(t, hits, 1)
}

func TestEmptyMatcherNeverMatches(t *testing.T) {
	m, err := NewBuilder(false).Build()
	require.NoError(t, err)
	assert.Equal(t, 0, m.NumPatterns())
	assert.Empty(t, m.MatchesField(1, "anything"))
}

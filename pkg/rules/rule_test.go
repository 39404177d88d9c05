package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/store"
)

func TestNewRule(t *testing.T) {
	r := NewRule("  Always close cursors  ", "Close database cursors in a defer.")

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "Always close cursors", r.Name)
	assert.Equal(t, CategoryGeneral, r.Category)
	assert.Equal(t, TypeBestPractice, r.Type)
	assert.Equal(t, 5, r.Priority)
	assert.False(t, r.IsMetaRule)
	require.NoError(t, r.Validate())
}

func TestRuleValidate(t *testing.T) {
	valid := func() *Rule { return NewRule("name", "content") }

	t.Run("empty_name_rejected", func(t *testing.T) {
		r := valid()
		r.Name = "   "
		assert.ErrorIs(t, r.Validate(), store.ErrValidation)
	})

	t.Run("long_name_rejected", func(t *testing.T) {
		r := valid()
		for len(r.Name) <= 200 {
			r.Name += "x"
		}
		assert.ErrorIs(t, r.Validate(), store.ErrValidation)
	})

	t.Run("empty_content_rejected", func(t *testing.T) {
		r := valid()
		r.Content = ""
		assert.ErrorIs(t, r.Validate(), store.ErrValidation)
	})

	t.Run("unknown_category_rejected", func(t *testing.T) {
		r := valid()
		r.Category = "sorcery"
		assert.ErrorIs(t, r.Validate(), store.ErrValidation)
	})

	t.Run("priority_out_of_range", func(t *testing.T) {
		for _, p := range []int{0, 11, -3} {
			r := valid()
			r.Priority = p
			assert.ErrorIs(t, r.Validate(), store.ErrValidation)
		}
	})

	t.Run("regular_rule_cannot_use_reserved_category", func(t *testing.T) {
		r := valid()
		r.Category = CategoryMetaLearnt
		assert.ErrorIs(t, r.Validate(), store.ErrValidation)
	})

	t.Run("regular_rule_cannot_carry_sources", func(t *testing.T) {
		r := valid()
		r.SourceLearntIDs = []string{"l1"}
		assert.ErrorIs(t, r.Validate(), store.ErrValidation)
	})

	t.Run("meta_rule_must_use_reserved_pair", func(t *testing.T) {
		m := NewMetaRule(MetaRuleName, MetaRuleSeed)
		require.NoError(t, m.Validate())

		m.Category = CategoryBackend
		assert.ErrorIs(t, m.Validate(), store.ErrValidation)
	})
}

func TestRulePropertiesRoundTrip(t *testing.T) {
	r := NewRule("Pin dependency versions", "Lock files belong in version control.")
	r.Category = CategoryDeployment
	r.Type = TypeGuideline
	r.Priority = 8
	r.Tags = []string{"ci", "releases"}
	r.CreatedBy = "platform-team"
	r.CreatedAt = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	node := &store.Node{ID: r.ID, Label: LabelRule, Properties: r.Properties()}
	back, err := RuleFromNode(node)
	require.NoError(t, err)

	assert.Equal(t, r.ID, back.ID)
	assert.Equal(t, r.Name, back.Name)
	assert.Equal(t, r.Category, back.Category)
	assert.Equal(t, r.Type, back.Type)
	assert.Equal(t, r.Priority, back.Priority)
	assert.Equal(t, r.Tags, back.Tags)
	assert.Equal(t, r.CreatedBy, back.CreatedBy)
	assert.True(t, r.CreatedAt.Equal(back.CreatedAt))
}

func TestRuleFromNodeRejectsWrongLabel(t *testing.T) {
	node := &store.Node{ID: "x", Label: "Learnt", Properties: map[string]any{}}
	_, err := RuleFromNode(node)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestParseRuleCategory(t *testing.T) {
	t.Run("known_values", func(t *testing.T) {
		for _, c := range RuleCategories() {
			got, err := ParseRuleCategory(string(c))
			require.NoError(t, err)
			assert.Equal(t, c, got)
		}
	})

	t.Run("empty_defaults_to_general", func(t *testing.T) {
		got, err := ParseRuleCategory("")
		require.NoError(t, err)
		assert.Equal(t, CategoryGeneral, got)
	})

	t.Run("unknown_rejected", func(t *testing.T) {
		_, err := ParseRuleCategory("middleware")
		assert.ErrorIs(t, err, store.ErrValidation)
	})
}

func TestParseRuleType(t *testing.T) {
	got, err := ParseRuleType("")
	require.NoError(t, err)
	assert.Equal(t, TypeBestPractice, got)

	_, err = ParseRuleType("suggestion")
	assert.ErrorIs(t, err, store.ErrValidation)
}

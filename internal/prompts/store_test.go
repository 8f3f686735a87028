package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_BuiltinTemplates(t *testing.T) {
	s := NewStore()
	assert.ElementsMatch(t,
		[]string{TemplateClassify, TemplateEstimateTime, TemplateRecommendPriority},
		s.Names())
}

func TestStore_Render(t *testing.T) {
	s := NewStore()

	out, err := s.Render(TemplateClassify, map[string]string{
		"description": "book dentist appointment",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "book dentist appointment")
	assert.NotContains(t, out, "{{description}}")
}

func TestStore_Render_TemplateNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Render("summarize", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestStore_Render_MissingVariable(t *testing.T) {
	s := NewStore()
	_, err := s.Render(TemplateEstimateTime, map[string]string{})
	require.ErrorIs(t, err, ErrMissingVariable)
	assert.Contains(t, err.Error(), "description")
}

func TestStore_Render_ExtraVariablesIgnored(t *testing.T) {
	s := NewStore()
	_, err := s.Render(TemplateRecommendPriority, map[string]string{
		"description": "ship release",
		"unused":      "whatever",
	})
	assert.NoError(t, err)
}

func TestStore_Register_Override(t *testing.T) {
	s := NewStore()
	s.Register(TemplateClassify, `Classify: {{description}} (variant {{variant}})`)

	_, err := s.Render(TemplateClassify, map[string]string{"description": "x"})
	assert.ErrorIs(t, err, ErrMissingVariable)

	out, err := s.Render(TemplateClassify, map[string]string{
		"description": "x", "variant": "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "Classify: x (variant b)", out)
}

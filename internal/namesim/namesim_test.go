package namesim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClosestPhoneticMatch(t *testing.T) {
	m := New()
	match, score, ok := m.Closest("Jon Snow", []string{"John Snow", "Daenerys Targaryen"})
	assert.True(t, ok)
	assert.Equal(t, "John Snow", match)
	assert.Greater(t, score, 0.85)
}

func TestClosestNoMatch(t *testing.T) {
	m := New()
	_, _, ok := m.Closest("Completely Unrelated Name", []string{"John Snow", "Daenerys Targaryen"})
	assert.False(t, ok)
}

func TestClosestEmptyInputs(t *testing.T) {
	m := New()
	_, _, ok := m.Closest("", []string{"John Snow"})
	assert.False(t, ok)
	_, _, ok = m.Closest("John Snow", nil)
	assert.False(t, ok)
}

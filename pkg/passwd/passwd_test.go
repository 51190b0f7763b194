package passwd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseViewOnlyBoundary(t *testing.T) {
	f, err := ParseString("alice\n__BEGIN_VIEWONLY__\nbob\n")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, f.Passwords)
	assert.Equal(t, 1, f.ViewOnlyBoundary)

	ok, viewOnly := f.Check("alice")
	assert.True(t, ok)
	assert.False(t, viewOnly)

	ok, viewOnly = f.Check("bob")
	assert.True(t, ok)
	assert.True(t, viewOnly)
}

func TestParseEmptyMarkerAndComments(t *testing.T) {
	f, err := ParseString("# a comment\n__EMPTY__\nsecret__COMM__trailing note\n")
	require.NoError(t, err)
	require.Equal(t, []string{"", "secret"}, f.Passwords)
	assert.Equal(t, 2, f.ViewOnlyBoundary)
}

func TestParseNoBoundaryMeansAllFullAccess(t *testing.T) {
	f, err := ParseString("onlyone\n")
	require.NoError(t, err)
	assert.Equal(t, 1, f.ViewOnlyBoundary)
}

package resourceid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPreservesVerbatim(t *testing.T) {
	id := New("/data/f.nc", `mean(u,0)&"x"`)
	assert.Equal(t, ID(`/data/f.nc#mean(u,0)&"x"`), id)
}

func TestCacheable(t *testing.T) {
	short := New("/data/f.nc", "mean(u,0)")
	assert.True(t, short.Cacheable())

	long := New("/data/f.nc", strings.Repeat("x", MaxCacheableLength))
	assert.False(t, long.Cacheable())
}

func TestBaseNameIsStableAndDeterministic(t *testing.T) {
	id := New("/data/f.nc", "mean(u,0)")
	a := BaseName("rc", id)
	b := BaseName("rc", id)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "rc"))
}

func TestBaseNameDiffersByConstraint(t *testing.T) {
	a := BaseName("rc", New("/data/f.nc", "mean(u,0)"))
	b := BaseName("rc", New("/data/f.nc", "mean(v,0)"))
	assert.NotEqual(t, a, b)
}

func TestCandidateNameIncrementsSuffix(t *testing.T) {
	assert.Equal(t, "rc123_0", CandidateName("rc123", 0))
	assert.Equal(t, "rc123_7", CandidateName("rc123", 7))
}

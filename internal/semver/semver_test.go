package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.2.0", "1.1.9", 1},
		{"2.0.0", "1.99.99", 1},
		{"1.2.3", "1.2.3-alpha", 1},
		{"1.2.3-alpha", "1.2.3-beta", -1},
		{"1.2.3-alpha.1", "1.2.3-alpha.2", -1},
		{"1.2", "1.2.0", 0},
		{"v1.2.3", "1.2.3", 0},
		{"garbage", "0.0.0", 0},
		{"1.x.0", "1.0.0", 0},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Compare(c.a, c.b), "Compare(%q, %q)", c.a, c.b)
	}
}

func TestCompareAntisymmetry(t *testing.T) {
	versions := []string{"0.0.1", "1.0.0", "1.0.0-alpha", "1.2.3", "1.2.3-rc.1", "2.0.0", "10.0.0"}
	for _, a := range versions {
		for _, b := range versions {
			assert.Equal(t, -Compare(b, a), Compare(a, b), "Compare(%q,%q) must negate Compare(%q,%q)", a, b, b, a)
		}
		assert.Equal(t, 0, Compare(a, a))
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("1.0.0"))
	assert.True(t, IsValid("v1.2.3"))
	assert.True(t, IsValid("1.0.0-beta.1"))
	assert.True(t, IsValid("1.0.0+build.5"))
	assert.False(t, IsValid("1.0"))
	assert.False(t, IsValid("1"))
	assert.False(t, IsValid("not-a-version"))
	assert.False(t, IsValid(""))
}

func TestIsStable(t *testing.T) {
	assert.True(t, IsStable("1.0.0"))
	assert.True(t, IsStable("10.20.30"))
	assert.False(t, IsStable("1.0.0-beta.1"))
	assert.False(t, IsStable("1.0.0-rc1"))
	assert.False(t, IsStable("2.1.0-SNAPSHOT"))
	assert.False(t, IsStable("3.0.0-canary.4"))

	// Substring heuristic limitation: "alphaboard" trips the alpha
	// marker even though it is not a pre-release field.
	assert.False(t, IsStable("2.0.0-alphaboard"))
}

func TestMatchesExact(t *testing.T) {
	assert.True(t, Matches("1.2.3", "1.2.3"))
	assert.True(t, Matches("v1.2.3", "1.2.3"))
	assert.False(t, Matches("1.2.4", "1.2.3"))
}

func TestMatchesWildcard(t *testing.T) {
	assert.True(t, Matches("1.2.5", "1.2.*"))
	assert.True(t, Matches("1.9.0", "1.*.*"))
	assert.False(t, Matches("2.2.5", "1.2.*"))
	assert.False(t, Matches("1.2.5.1", "1.2.*"))
}

func TestMatchesOperators(t *testing.T) {
	assert.True(t, Matches("1.2.3", ">=1.2.3"))
	assert.True(t, Matches("1.3.0", ">1.2.3"))
	assert.False(t, Matches("1.2.3", ">1.2.3"))
	assert.True(t, Matches("1.2.3", "<=1.2.3"))
	assert.True(t, Matches("1.0.0", "<1.2.3"))
	assert.False(t, Matches("1.2.3", "<1.2.3"))
}

func TestMatchesTilde(t *testing.T) {
	assert.True(t, Matches("1.2.5", "~1.2.0"))
	assert.True(t, Matches("1.2.0", "~1.2.0"))
	assert.False(t, Matches("1.3.0", "~1.2.0"))
	assert.False(t, Matches("1.1.9", "~1.2.0"))
}

func TestMatchesCaret(t *testing.T) {
	assert.True(t, Matches("1.9.0", "^1.2.0"))
	assert.True(t, Matches("1.2.0", "^1.2.0"))
	assert.False(t, Matches("2.0.0", "^1.2.0"))
	assert.False(t, Matches("1.1.0", "^1.2.0"))
}

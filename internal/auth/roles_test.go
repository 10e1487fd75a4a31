package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRank(t *testing.T) {
	assert.Equal(t, 1, Rank(RoleBot))
	assert.Equal(t, 2, Rank(RoleFileManager))
	assert.Equal(t, 3, Rank(RoleAdmin))
	assert.Equal(t, 0, Rank("superuser"))
	assert.Equal(t, 0, Rank(""))
}

func TestHasPermission(t *testing.T) {
	// Higher roles include lower ones.
	assert.True(t, HasPermission(RoleAdmin, RoleBot))
	assert.True(t, HasPermission(RoleAdmin, RoleFileManager))
	assert.True(t, HasPermission(RoleAdmin, RoleAdmin))
	assert.True(t, HasPermission(RoleFileManager, RoleBot))
	assert.True(t, HasPermission(RoleFileManager, RoleFileManager))
	assert.True(t, HasPermission(RoleBot, RoleBot))

	// Lower roles never satisfy higher requirements.
	assert.False(t, HasPermission(RoleBot, RoleFileManager))
	assert.False(t, HasPermission(RoleBot, RoleAdmin))
	assert.False(t, HasPermission(RoleFileManager, RoleAdmin))

	// Unknown roles on either side fail closed.
	assert.False(t, HasPermission("superuser", RoleBot))
	assert.False(t, HasPermission("", RoleBot))
	assert.False(t, HasPermission(RoleAdmin, "superuser"))
	assert.False(t, HasPermission(RoleAdmin, ""))
}

func TestIsValidRole(t *testing.T) {
	assert.True(t, IsValidRole(RoleBot))
	assert.True(t, IsValidRole(RoleFileManager))
	assert.True(t, IsValidRole(RoleAdmin))
	assert.False(t, IsValidRole("Admin"))
	assert.False(t, IsValidRole(""))
}

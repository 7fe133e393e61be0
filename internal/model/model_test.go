package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMemoryID_Shape(t *testing.T) {
	id := NewMemoryID()
	require.True(t, ValidMemoryID(id), "id %q should match mem_<ms-epoch>_<8-hex>", id)
}

func TestNewMemoryID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewMemoryID()
		require.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestNewEntity_Normalizes(t *testing.T) {
	e := NewEntity("mem_1_00000000", "person", "Dr. Smith")
	require.Equal(t, "dr. smith", e.NormalizedValue)
	require.Equal(t, "person", e.EntityType)
	require.NotEmpty(t, e.ID)
	require.WithinDuration(t, time.Now(), e.CreatedAt, time.Minute)
}

func TestValidSkillName(t *testing.T) {
	require.True(t, ValidSkillName("web.search"))
	require.True(t, ValidSkillName("a.b2.c"))
	require.False(t, ValidSkillName("websearch"), "single segment")
	require.False(t, ValidSkillName("Web.Search"), "upper case")
	require.False(t, ValidSkillName("web..search"))
	require.False(t, ValidSkillName("2web.search"), "leading digit")
}

func TestValidateSkillExecPath(t *testing.T) {
	home := "/home/u"
	require.NoError(t, ValidateSkillExecPath(home, "/home/u/.thinkdrop/skills/web.search/run.js"))
	require.NoError(t, ValidateSkillExecPath(home, "web.search/run.js"), "relative resolves into sandbox")
	require.Error(t, ValidateSkillExecPath(home, "/etc/passwd"))
	require.Error(t, ValidateSkillExecPath(home, "../../outside.sh"))
	require.Error(t, ValidateSkillExecPath(home, "  "))
}

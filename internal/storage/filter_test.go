package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fwv(id, version string) Firmware {
	return Firmware{ID: id, Version: version, SHA1: "sha-" + id}
}

func TestApplyOptionsStableFilter(t *testing.T) {
	fws := []Firmware{
		fwv("a", "2.0.0"),
		fwv("b", "2.1.0-beta.1"),
		fwv("c", "not-a-version"),
		fwv("d", "1.9.3"),
	}

	out := applyOptions(fws, Options{OnlyStable: true})
	assert.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "d", out[1].ID)
}

func TestApplyOptionsLimitAfterFilter(t *testing.T) {
	fws := []Firmware{
		fwv("a", "3.0.0-rc.1"),
		fwv("b", "2.0.0"),
		fwv("c", "1.0.0"),
	}

	// The limit applies to the filtered set, so the pre-release does
	// not eat a slot.
	out := applyOptions(fws, Options{OnlyStable: true, Limit: 2})
	assert.Equal(t, []string{"b", "c"}, []string{out[0].ID, out[1].ID})

	out = applyOptions(fws, Options{Limit: 2})
	assert.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)

	out = applyOptions(fws, Options{Limit: 10})
	assert.Len(t, out, 3)
}

func TestFilterVersion(t *testing.T) {
	fws := []Firmware{
		fwv("a", "1.2.0"),
		fwv("b", "1.2.5"),
		fwv("c", "1.3.0"),
		fwv("d", "2.0.0"),
	}

	out := FilterVersion(fws, "~1.2.0")
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", out[1].ID)

	out = FilterVersion(fws, "^1.2.0")
	assert.Len(t, out, 3)

	out = FilterVersion(fws, ">=2.0.0")
	require.Len(t, out, 1)
	assert.Equal(t, "d", out[0].ID)

	assert.Empty(t, FilterVersion(fws, "3.*"))
}

func TestMinimalOf(t *testing.T) {
	fws := []Firmware{
		{ID: "a", Version: "1.0.0", SHA1: "abc", Description: "secret", DeviceType: "esp32"},
	}
	out := MinimalOf(fws)
	assert.Equal(t, []FirmwareMinimal{{ID: "a", Version: "1.0.0", SHA1: "abc"}}, out)
}

func TestSortVersionDesc(t *testing.T) {
	fws := []Firmware{
		fwv("a", "1.2.0"),
		fwv("b", "1.10.0"),
		fwv("c", "1.10.0-beta"),
		fwv("d", "2.0.0"),
	}
	sortVersionDesc(fws)
	assert.Equal(t, "d", fws[0].ID)
	assert.Equal(t, "b", fws[1].ID)
	assert.Equal(t, "c", fws[2].ID)
	assert.Equal(t, "a", fws[3].ID)
}

func TestSortCreatedDesc(t *testing.T) {
	now := time.Now()
	fws := []Firmware{
		{ID: "old", CreatedAt: now.Add(-time.Hour)},
		{ID: "new", CreatedAt: now},
		{ID: "mid", CreatedAt: now.Add(-time.Minute)},
	}
	sortCreatedDesc(fws)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{fws[0].ID, fws[1].ID, fws[2].ID})
}

func TestMatchesSearch(t *testing.T) {
	fw := Firmware{
		DeviceType:   "esp32-main",
		Version:      "1.2.3",
		Description:  "Fixes the OTA Bug",
		OriginalName: "firmware-v1.2.3.bin",
	}
	assert.True(t, matchesSearch(fw, "ESP32"))
	assert.True(t, matchesSearch(fw, "1.2"))
	assert.True(t, matchesSearch(fw, "ota bug"))
	assert.True(t, matchesSearch(fw, ".BIN"))
	assert.False(t, matchesSearch(fw, "stm32"))
}

func TestBuildStats(t *testing.T) {
	stats := buildStats(3, []string{"zwave", "esp32"}, 4096, map[string]any{
		"totalDownloads": int64(7),
	})

	assert.Equal(t, 3, stats["totalFirmwares"])
	assert.Equal(t, []string{"esp32", "zwave"}, stats["deviceTypes"])
	assert.Equal(t, int64(4096), stats["totalSize"])
	assert.Equal(t, int64(7), stats["totalDownloads"])
}

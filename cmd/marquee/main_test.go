package main

import (
	"runtime/debug"
	"testing"
)

func TestStamp(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/marqueeapi/marquee", Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-09-30T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	v, c, d := stamp(info, "dev", "none", "unknown")
	if v != "v1.4.0" || c != "0123456789ab-dirty" || d != "2026-09-30T12:00:00Z" {
		t.Errorf("stamp = %q %q %q", v, c, d)
	}

	// ldflags values win.
	v, c, d = stamp(info, "v2.0.0", "feedface", "2026-10-01")
	if v != "v2.0.0" || c != "feedface" || d != "2026-10-01" {
		t.Errorf("stamp with ldflags = %q %q %q", v, c, d)
	}

	v, c, _ = stamp(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, "dev", "none", "unknown")
	if v != "dev" || c != "none" {
		t.Errorf("devel build = %q %q", v, c)
	}
}

package avb

import (
	"strings"
	"testing"
)

func TestPatchOptionTokens(t *testing.T) {
	for _, tc := range []struct {
		in       string
		want     string
		nChanged int
	}{
		{"ro,verity,wait", "ro,wait", 1},
		{"wait,avb=vbmeta_system,logical", "wait,logical", 1},
		{"wait,avb,first_stage_mount", "wait,first_stage_mount", 1},
		{"wait,avb_keys=/avb/q.avbpubkey", "wait", 1},
		{"forceencrypt=/dev/block/metadata", "encryptable=footer", 1},
		{"forcefdeorfbe=/misc,quota", "encryptable=footer,quota", 1},
		{"fileencryption=ice,quota", "quota", 1},
		{"noatime,nosuid,nodev", "noatime,nosuid,nodev", 0},
		{"verify", "defaults", 1},
	} {
		got, changed := PatchOptionTokens(tc.in)
		if got != tc.want || len(changed) != tc.nChanged {
			t.Errorf("PatchOptionTokens(%q) = %q (%d changes), want %q (%d)",
				tc.in, got, len(changed), tc.want, tc.nChanged)
		}
	}
}

func TestPatchLine(t *testing.T) {
	in := "/dev/block/by-name/system /system ext4 ro,barrier=1 wait,slotselect,avb=vbmeta,logical"
	got, changed := PatchLine(in)
	if len(changed) != 1 {
		t.Fatalf("changed = %v", changed)
	}
	if !strings.Contains(got, "wait,slotselect,logical") {
		t.Errorf("line = %q", got)
	}
}

func TestPatchLinePreservesCommentsAndBlanks(t *testing.T) {
	for _, line := range []string{
		"# Android fstab file.",
		"",
		"   ",
		"\t# avb verify verity",
	} {
		got, changed := PatchLine(line)
		if got != line || changed != nil {
			t.Errorf("PatchLine(%q) = %q, %v; want verbatim", line, got, changed)
		}
	}
}

func TestPatchLinePreservesCleanLinesVerbatim(t *testing.T) {
	line := "/dev/block/by-name/userdata   /data   f2fs   noatime,nosuid,nodev   wait,check,quota"
	got, changed := PatchLine(line)
	if changed != nil {
		t.Fatalf("changed = %v", changed)
	}
	if got != line {
		t.Errorf("clean line rewritten: %q", got)
	}
}

func TestPatchLineForcedEncryption(t *testing.T) {
	in := "/dev/block/by-name/userdata /data ext4 noatime wait,check,forceencrypt=/dev/block/by-name/metadata"
	got, changed := PatchLine(in)
	if len(changed) != 1 || changed[0] != "forceencrypt" {
		t.Fatalf("changed = %v", changed)
	}
	if !strings.Contains(got, "encryptable=footer") {
		t.Errorf("line = %q", got)
	}
	if strings.Contains(got, "forceencrypt") {
		t.Errorf("forceencrypt not removed: %q", got)
	}
}

func TestPatchLineShortLineUntouched(t *testing.T) {
	line := "proc /proc proc defaults"
	if got, changed := PatchLine(line); got != line || changed != nil {
		t.Errorf("short line modified: %q %v", got, changed)
	}
}

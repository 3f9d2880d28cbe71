// Package avb disables Android Verified Boot: it produces
// verification-disabled vbmeta images and strips verity and forced
// encryption flags from fstab files.
package avb

import (
	"strings"
)

// Option tokens removed from fstab mount/fs_mgr option lists. avb and the
// key/encryption flags carry values, so they match by prefix.
var droppedTokens = []string{"verify", "verity", "support_scfs", "avb"}

var droppedPrefixes = []string{
	"avb=",
	"avb_keys=",
	"fileencryption=",
	"metadata_encryption=",
}

// Tokens replaced rather than dropped: removing forced encryption outright
// leaves first-boot init without an encryption policy.
var replacedPrefixes = map[string]string{
	"forceencrypt=":  "encryptable=footer",
	"forcefdeorfbe=": "encryptable=footer",
}

// PatchOptionTokens rewrites one comma-separated fstab option list,
// returning the new list and the names of the flags that were touched.
func PatchOptionTokens(opts string) (string, []string) {
	var kept []string
	var changed []string

	for _, tok := range strings.Split(opts, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if repl, name, ok := classifyToken(tok); ok {
			changed = append(changed, name)
			if repl != "" {
				kept = append(kept, repl)
			}
			continue
		}
		kept = append(kept, tok)
	}

	if len(kept) == 0 {
		// An fstab field cannot be empty; "defaults" is the no-op option.
		kept = []string{"defaults"}
	}
	return strings.Join(kept, ","), changed
}

func classifyToken(tok string) (replacement, name string, matched bool) {
	for _, drop := range droppedTokens {
		if tok == drop {
			return "", drop, true
		}
	}
	for _, prefix := range droppedPrefixes {
		if strings.HasPrefix(tok, prefix) {
			return "", strings.TrimSuffix(prefix, "="), true
		}
	}
	for prefix, repl := range replacedPrefixes {
		if strings.HasPrefix(tok, prefix) {
			return repl, strings.TrimSuffix(prefix, "="), true
		}
	}
	return "", "", false
}

// PatchLine rewrites one fstab line, patching the mount options and
// fs_mgr_flags fields. Comments, blank lines and lines that need no change
// come back verbatim, preserving the file's original spacing.
func PatchLine(line string) (string, []string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return line, nil
	}

	fields := strings.Fields(line)
	// src mount_point fs_type mount_options fs_mgr_flags
	if len(fields) < 5 {
		return line, nil
	}

	var changed []string
	for _, idx := range []int{3, 4} {
		patched, names := PatchOptionTokens(fields[idx])
		if len(names) > 0 {
			fields[idx] = patched
			changed = append(changed, names...)
		}
	}
	if len(changed) == 0 {
		return line, nil
	}
	return strings.Join(fields, " "), changed
}

package procprobe

import "strings"

const prelinkMarker = ".#prelink#."

// sanitizeFile normalizes a path read out of /proc, undoing prelink's
// rename-then-relink dance so a prelinked binary is still recognized as
// the executable it was prelinked from. It reports false for paths that
// are not file-backed, or for deleted files that were not prelink's doing.
func sanitizeFile(file string) (string, bool) {
	if !strings.HasPrefix(file, "/") {
		return "", false
	}

	if idx := strings.Index(file, prelinkMarker); idx >= 0 {
		return file[:idx], true
	}

	if strings.Contains(file, "(deleted)") {
		return "", false
	}

	return file, true
}

// acceptFile applies a prefix allow/deny list: prefixes starting with '!'
// reject a match, any other prefix accepts one. The first matching prefix
// wins; a path matching nothing is accepted by default.
func acceptFile(file string, prefixes []string) bool {
	for _, p := range prefixes {
		accept := true
		if strings.HasPrefix(p, "!") {
			p = p[1:]
			accept = false
		}
		if strings.HasPrefix(file, p) {
			return accept
		}
	}
	return true
}

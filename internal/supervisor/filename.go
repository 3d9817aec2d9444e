package supervisor

import (
	"path/filepath"
	"strconv"
	"strings"
)

// forbiddenChars mirrors the Windows-reserved filename characters spec
// §4.10 requires stripping even on platforms that would otherwise allow
// them, since the original targets a Windows desktop build.
const forbiddenChars = `\/:*?"<>|`

// SafeFilename implements spec §4.10. It is idempotent: applying it
// twice yields the same result.
func SafeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(forbiddenChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " \t.")

	const maxCodepoints = 150
	if runes := []rune(out); len(runes) > maxCodepoints {
		out = strings.Trim(string(runes[:maxCodepoints]), " \t.")
	}
	if out == "" {
		out = "video"
	}
	return out
}

// resolutionSuffixed reports whether name's root already ends with
// "_NNNp" / "_NNNNp" before the extension.
func resolutionSuffixed(name string) bool {
	root := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndexByte(root, '_')
	if idx < 0 || idx == len(root)-1 {
		return false
	}
	suffix := root[idx+1:]
	if !strings.HasSuffix(suffix, "p") {
		return false
	}
	digits := suffix[:len(suffix)-1]
	if len(digits) < 3 || len(digits) > 4 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// withResolutionSuffix appends "_<height>p" before the extension, unless
// the name is already suffixed (spec §4.6.5 "Rename").
func withResolutionSuffix(path string, height int) string {
	if height <= 0 || resolutionSuffixed(path) {
		return path
	}
	ext := filepath.Ext(path)
	root := strings.TrimSuffix(path, ext)
	return root + "_" + strconv.Itoa(height) + "p" + ext
}

package domain

import (
	"regexp"
	"strconv"
)

var noteHeightPattern = regexp.MustCompile(`(\d{3,4})p`)

// heightFromNote extracts a "NNNNp" resolution hint from a format note,
// e.g. "1080p60" -> 1080. Returns 0 if none is present.
func heightFromNote(note string) int {
	m := noteHeightPattern.FindStringSubmatch(note)
	if m == nil {
		return 0
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return h
}

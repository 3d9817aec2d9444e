package supervisor

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// srtCue is one subtitle cue: an index, a timing line, and one or more
// text lines to be merged into a single logical line.
type srtCue struct {
	index   string
	timing  string
	lines   []string
}

var srtTimingPattern = regexp.MustCompile(`^\d{2}:\d{2}:\d{2},\d{3} --> \d{2}:\d{2}:\d{2},\d{3}`)

// MergeSRTLines implements spec §4.6.1's post-processing for
// subtitles_only mode: each cue's body lines are merged into one logical
// line using a CJK-aware rule, then whitespace/punctuation spacing is
// normalized (spec P5).
func MergeSRTLines(input string) string {
	cues := parseSRT(input)
	var b strings.Builder
	for i, cue := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(cue.index)
		b.WriteString("\n")
		b.WriteString(cue.timing)
		b.WriteString("\n")
		b.WriteString(mergeCueLines(cue.lines))
		b.WriteString("\n")
	}
	return b.String()
}

func parseSRT(input string) []srtCue {
	var cues []srtCue
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var block []string
	flush := func() {
		if len(block) == 0 {
			return
		}
		cue := srtCue{}
		start := 0
		if isAllDigits(strings.TrimSpace(block[0])) {
			cue.index = strings.TrimSpace(block[0])
			start = 1
		}
		if start < len(block) && srtTimingPattern.MatchString(strings.TrimSpace(block[start])) {
			cue.timing = strings.TrimSpace(block[start])
			start++
		}
		for _, line := range block[start:] {
			if t := strings.TrimSpace(line); t != "" {
				cue.lines = append(cue.lines, t)
			}
		}
		if cue.timing != "" {
			cues = append(cues, cue)
		}
		block = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()

	// Renumber sequentially; some extractor output drops/duplicates
	// indices after filtering empty cues.
	for i := range cues {
		cues[i].index = strconv.Itoa(i + 1)
	}
	return cues
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// mergeCueLines joins a cue's text lines into exactly one line. CJK/CJK
// boundaries carry no separator; any other boundary carries exactly one
// space. Runs of whitespace collapse and punctuation spacing is trimmed.
func mergeCueLines(lines []string) string {
	var merged strings.Builder
	for i, line := range lines {
		line = collapseWhitespace(line)
		if i == 0 {
			merged.WriteString(line)
			continue
		}
		prevRunes := []rune(merged.String())
		nextRunes := []rune(line)
		if len(prevRunes) > 0 && len(nextRunes) > 0 &&
			isCJK(prevRunes[len(prevRunes)-1]) && isCJK(nextRunes[0]) {
			merged.WriteString(line)
		} else {
			merged.WriteString(" ")
			merged.WriteString(line)
		}
	}
	return trimPunctuationSpacing(collapseWhitespace(merged.String()))
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// trimPunctuationSpacing removes a stray space immediately before
// closing/terminal punctuation introduced by the space-joining rule.
func trimPunctuationSpacing(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r == ' ' && i+1 < len(runes) && isTrailingPunctuation(runes[i+1]) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isTrailingPunctuation(r rune) bool {
	switch r {
	case ',', '.', '!', '?', ';', ':', '，', '。', '！', '？', '；', '：':
		return true
	default:
		return false
	}
}

// isCJK reports whether r falls in a CJK Unicode block (spec §4.6.1).
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana/Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul Syllables
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // Fullwidth forms
		return true
	default:
		return false
	}
}

// Package segment turns an unbounded, arbitrarily chunked character stream
// into an ordered sequence of sentences suitable for TTS submission.
package segment

import "strings"

var hardTerminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '；': true, ';': true, '\n': true,
}

var softBreaks = map[rune]bool{
	',': true, '，': true, '、': true, ':': true, '：': true,
}

// Segmenter is pure, deterministic, and single-threaded per stream instance.
type Segmenter struct {
	buf    []rune
	minLen int
	maxLen int
}

// New constructs a Segmenter with the given min/max sentence length in
// Unicode codepoints. Zero or negative values fall back to spec defaults.
func New(minLen, maxLen int) *Segmenter {
	if minLen <= 0 {
		minLen = 5
	}
	if maxLen <= minLen {
		maxLen = 40
	}
	return &Segmenter{minLen: minLen, maxLen: maxLen}
}

// Feed appends chunk to the running buffer and returns zero or more complete
// sentences, in order. It never blocks and never fails.
func (s *Segmenter) Feed(chunk string) []string {
	s.buf = append(s.buf, []rune(chunk)...)

	var out []string
	for {
		sentence, ok := s.cutOne()
		if !ok {
			break
		}
		if trimmed := trimSentence(sentence); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Flush returns any residual buffer content, even if shorter than minLen,
// and clears the buffer. Called on upstream end-of-stream.
func (s *Segmenter) Flush() string {
	if len(s.buf) == 0 {
		return ""
	}
	residual := trimSentence(string(s.buf))
	s.buf = s.buf[:0]
	return residual
}

// cutOne attempts to cut one complete sentence from the front of the
// buffer, per the hard-terminator / soft-break / forced-break rules.
func (s *Segmenter) cutOne() (string, bool) {
	if idx := s.findHardCut(); idx >= 0 {
		cut := s.buf[:idx+1]
		s.buf = s.buf[idx+1:]
		return string(cut), true
	}

	if len(s.buf) <= s.maxLen {
		return "", false
	}

	if idx := s.findSoftCut(); idx >= 0 {
		cut := s.buf[:idx+1]
		s.buf = s.buf[idx+1:]
		return string(cut), true
	}

	// No soft break available either: force a break at maxLen.
	cut := s.buf[:s.maxLen]
	s.buf = s.buf[s.maxLen:]
	return string(cut), true
}

// findHardCut scans for the earliest hard terminator whose prefix (including
// the terminator) has length >= minLen, honoring the acronym/decimal guard.
// Length is measured in display width rather than raw codepoints so that a
// short burst of wide (CJK) characters — which carries proportionally more
// spoken content per codepoint — isn't held back waiting for minLen runes.
func (s *Segmenter) findHardCut() int {
	for i, r := range s.buf {
		if !hardTerminators[r] {
			continue
		}
		if r == '.' && s.suppressedDot(i) {
			continue
		}
		if displayWidth(s.buf[:i+1]) < s.minLen {
			continue
		}
		return i
	}
	return -1
}

// suppressedDot implements the acronym/decimal guard: a '.' flanked by
// digits on both sides, or followed within three characters by a lowercase
// letter, is not treated as a sentence terminator.
func (s *Segmenter) suppressedDot(i int) bool {
	if i > 0 && i+1 < len(s.buf) {
		prev := s.buf[i-1]
		next := s.buf[i+1]
		if isDigit(prev) && isDigit(next) {
			return true
		}
	}
	for j := i + 1; j < len(s.buf) && j <= i+3; j++ {
		r := s.buf[j]
		if r == ' ' {
			continue
		}
		if isLowerAlpha(r) {
			return true
		}
		break
	}
	return false
}

// findSoftCut scans for the rightmost soft break with prefix length (display
// width) >= minLen, within the window where the buffer first exceeds
// maxLen — only called once buf exceeds maxLen codepoints.
func (s *Segmenter) findSoftCut() int {
	window := s.maxLen + 1
	if window > len(s.buf) {
		window = len(s.buf)
	}
	best := -1
	for i := 0; i < window; i++ {
		if softBreaks[s.buf[i]] && displayWidth(s.buf[:i+1]) >= s.minLen {
			best = i
		}
	}
	return best
}

func isDigit(r rune) bool      { return r >= '0' && r <= '9' }
func isLowerAlpha(r rune) bool { return r >= 'a' && r <= 'z' }

// displayWidth approximates spoken/visual weight: wide East-Asian codepoints
// (CJK, fullwidth punctuation, Hangul, Kana) count as 2, everything else 1.
func displayWidth(rs []rune) int {
	total := 0
	for _, r := range rs {
		total += runeWidth(r)
	}
	return total
}

func runeWidth(r rune) int {
	switch {
	case r >= 0x1100 && r <= 0x115F, // Hangul Jamo
		r >= 0x2E80 && r <= 0xA4CF, // CJK radicals through Yi
		r >= 0xAC00 && r <= 0xD7A3, // Hangul syllables
		r >= 0xF900 && r <= 0xFAFF, // CJK compatibility ideographs
		r >= 0xFF00 && r <= 0xFF60, // fullwidth forms
		r >= 0xFFE0 && r <= 0xFFE6:
		return 2
	default:
		return 1
	}
}

func trimSentence(s string) string {
	s = strings.TrimLeft(s, " \t\r\n")
	s = strings.TrimRight(s, " \t\r\n")
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

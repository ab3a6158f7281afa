package preview

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// MaxTextLen bounds sanitized text, counted in UTF-16 code units.
const MaxTextLen = 200

var entities = []string{"&lt;", "&gt;", "&quot;", "&amp;"}

// Sanitize makes s safe to embed in a document: CR/LF runs collapse to one
// space, < > " & are escaped and the result is cut to MaxTextLen code units.
// An & that already begins one of the four entities is kept, and the cut
// never splits an entity, so Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	return truncate(escape(collapseNewlines(s)), MaxTextLen)
}

// escapeAttr escapes without truncating, for URLs placed in attributes.
func escapeAttr(s string) string {
	return escape(collapseNewlines(s))
}

func collapseNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range s {
		if r == '\r' || r == '\n' {
			if !inRun {
				b.WriteByte(' ')
				inRun = true
			}
			continue
		}
		inRun = false
		b.WriteRune(r)
	}
	return b.String()
}

func escape(s string) string {
	if !strings.ContainsAny(s, `<>"&`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '&':
			if entityAt(s, i) != "" {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func entityAt(s string, i int) string {
	for _, e := range entities {
		if strings.HasPrefix(s[i:], e) {
			return e
		}
	}
	return ""
}

// truncate cuts s to at most n UTF-16 code units. The cut never splits a
// surrogate pair or an entity; it backs off to before either.
func truncate(s string, n int) string {
	if codeUnits(s) <= n {
		return s
	}
	cut, count := 0, 0
	for cut < len(s) && count < n {
		if s[cut] == '&' {
			if e := entityAt(s, cut); e != "" {
				if count+len(e) > n {
					break
				}
				cut += len(e)
				count += len(e)
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(s[cut:])
		units := unitLen(r)
		if count+units > n {
			break
		}
		cut += size
		count += units
	}
	return s[:cut]
}

func codeUnits(s string) int {
	n := 0
	for _, r := range s {
		n += unitLen(r)
	}
	return n
}

func unitLen(r rune) int {
	if l := utf16.RuneLen(r); l > 0 {
		return l
	}
	return 1
}

package seed

import "strings"

// SplitOptions selects the lexical rules of the target SQL dialect.
type SplitOptions struct {
	// BackslashEscapes treats \ inside quoted strings as an escape character.
	BackslashEscapes bool
	// HashComments treats # as the start of a line comment.
	HashComments bool
	// DollarQuotes recognizes $tag$ ... $tag$ string constants.
	DollarQuotes bool
	// LineCommentNeedsSpace requires whitespace, a control character or end of input
	// after -- for it to start a comment, so 1--1 stays an expression.
	LineCommentNeedsSpace bool
}

var (
	// MySQLSplit matches the MySQL/MariaDB client.
	MySQLSplit = SplitOptions{BackslashEscapes: true, HashComments: true, LineCommentNeedsSpace: true}
	// PostgresSplit matches psql with standard_conforming_strings on.
	PostgresSplit = SplitOptions{DollarQuotes: true}
)

// Split breaks a script into statements at top-level semicolons. Semicolons inside
// quoted strings, quoted identifiers, comments and dollar-quoted bodies do not split.
// Comments are dropped except MySQL executable comments (/*! ... */), which are kept
// in the statement text. Empty statements are skipped.
func Split(script string, opts SplitOptions) []string {
	var (
		stmts []string
		buf   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}

	n := len(script)
	for i := 0; i < n; {
		c := script[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := scanQuoted(script, i, c, opts.BackslashEscapes && c != '`')
			buf.WriteString(script[i:j])
			i = j

		case c == '-' && isLineComment(script[i:], opts), c == '#' && opts.HashComments:
			// keep the newline so tokens on either side stay separated
			if j := strings.IndexByte(script[i:], '\n'); j >= 0 {
				i += j
			} else {
				i = n
			}

		case c == '/' && i+1 < n && script[i+1] == '*':
			j := n
			if end := strings.Index(script[i+2:], "*/"); end >= 0 {
				j = i + 2 + end + 2
			}
			if i+2 < n && script[i+2] == '!' {
				buf.WriteString(script[i:j])
			} else {
				buf.WriteByte(' ')
			}
			i = j

		case c == '$' && opts.DollarQuotes:
			tag, ok := dollarTag(script[i:])
			if !ok {
				buf.WriteByte(c)
				i++
				continue
			}
			j := n
			if end := strings.Index(script[i+len(tag):], tag); end >= 0 {
				j = i + len(tag) + end + len(tag)
			}
			buf.WriteString(script[i:j])
			i = j

		case c == ';':
			flush()
			i++

		default:
			buf.WriteByte(c)
			i++
		}
	}
	flush()

	return stmts
}

// isLineComment reports whether s starts with a -- comment marker
func isLineComment(s string, opts SplitOptions) bool {
	if len(s) < 2 || s[0] != '-' || s[1] != '-' {
		return false
	}
	if !opts.LineCommentNeedsSpace || len(s) == 2 {
		return true
	}
	return s[2] <= ' ' || s[2] == 0x7f
}

// scanQuoted returns the index just past the closing quote of the literal starting at
// start. A doubled quote character is an escaped quote.
func scanQuoted(s string, start int, quote byte, backslash bool) int {
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if backslash {
				i++
			}
		case quote:
			if i+1 < len(s) && s[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(s)
}

// dollarTag returns the opening tag ($$ or $name$) at the start of s.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1], true
		}
		isLetter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && i > 1) {
			return "", false
		}
	}
	return "", false
}

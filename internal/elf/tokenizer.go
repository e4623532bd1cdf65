package elf

import "strings"

// tokenizer splits a data line into raw field tokens.
//
// Whitespace mode, applied left to right:
//   - a maximal run of non-separator, non-quote bytes is one token
//   - "..." and '...' are one token each, returned without the quotes
//   - separators never produce tokens; a quote without a closing partner is skipped
//
// With an explicit delimiter every delimiter ends a field, so n delimiters give n+1
// tokens. Quoted spans still group (and may contain the delimiter) and lose their quotes.
// An empty field is returned as NullValue: a missing value, not an empty string.
type tokenizer struct {
	delim    byte
	hasDelim bool
}

func newTokenizer() tokenizer {
	return tokenizer{}
}

func newDelimitedTokenizer(delim byte) tokenizer {
	return tokenizer{delim: delim, hasDelim: true}
}

func (t tokenizer) isSeparator(c byte) bool {
	if t.hasDelim {
		return c == t.delim
	}
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// split appends the tokens of line to dst[:0] and returns it, so callers can reuse the slice
func (t tokenizer) split(line string, dst []string) []string {
	dst = dst[:0]
	if t.hasDelim {
		return t.splitDelimited(line, dst)
	}
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case t.isSeparator(c):
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(line[i+1:], c)
			if end < 0 {
				i++
				continue
			}
			dst = append(dst, line[i+1:i+1+end])
			i += end + 2
		default:
			start := i
			for i < len(line) && !t.isSeparator(line[i]) && line[i] != '"' && line[i] != '\'' {
				i++
			}
			dst = append(dst, line[start:i])
		}
	}
	return dst
}

func (t tokenizer) splitDelimited(line string, dst []string) []string {
	var field strings.Builder
	start, quoted := 0, false
	for i := 0; i <= len(line); {
		if i == len(line) || line[i] == t.delim {
			switch {
			case quoted:
				dst = append(dst, field.String())
			case i == start:
				dst = append(dst, NullValue)
			default:
				dst = append(dst, line[start:i])
			}
			field.Reset()
			i++
			start, quoted = i, false
			continue
		}

		c := line[i]
		if c == '"' || c == '\'' {
			if !quoted {
				quoted = true
				field.WriteString(line[start:i])
			}
			if end := strings.IndexByte(line[i+1:], c); end >= 0 {
				field.WriteString(line[i+1 : i+1+end])
				i += end + 2
			} else {
				i++
			}
			continue
		}
		if quoted {
			field.WriteByte(c)
		}
		i++
	}
	return dst
}

// Tokenize splits one data line using the default whitespace separator
func Tokenize(line string) []string {
	return newTokenizer().split(line, nil)
}

package extract

import (
	"encoding/hex"
	"strings"
)

// decodeContentText recovers the shown text from a decoded PDF content
// stream. It walks the operator stream, collects string operands, and emits
// them when a text-showing operator (Tj, TJ, ' or ") consumes them. Text
// positioning operators become line breaks. This deliberately ignores font
// encodings; pages where that matters fail the usableText check and are
// flagged as skipped.
func decodeContentText(content []byte) string {
	var out strings.Builder
	var pending []string

	i := 0
	for i < len(content) {
		c := content[i]
		switch {
		case c == '(':
			s, next := readLiteralString(content, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(content) && content[i+1] != '<':
			s, next := readHexString(content, i)
			pending = append(pending, s)
			i = next
		case c == '%':
			// comment runs to end of line
			for i < len(content) && content[i] != '\n' {
				i++
			}
		case isRegular(c):
			start := i
			for i < len(content) && isRegular(content[i]) {
				i++
			}
			switch string(content[start:i]) {
			case "Tj", "'", "\"", "TJ":
				for _, s := range pending {
					out.WriteString(s)
				}
				pending = pending[:0]
			case "Td", "TD", "T*", "ET":
				pending = pending[:0]
				out.WriteByte('\n')
			case "BT":
				pending = pending[:0]
			}
		default:
			i++
		}
	}
	return out.String()
}

func readLiteralString(content []byte, start int) (string, int) {
	var sb strings.Builder
	depth := 0
	i := start
	for i < len(content) {
		c := content[i]
		switch c {
		case '\\':
			if i+1 < len(content) {
				switch content[i+1] {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte('\t')
				case 'r', 'b', 'f':
					// ignore
				case '(', ')', '\\':
					sb.WriteByte(content[i+1])
				default:
					// octal escapes and line continuations dropped
				}
				i += 2
				continue
			}
			i++
		case '(':
			if depth > 0 {
				sb.WriteByte(c)
			}
			depth++
			i++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
			i++
		default:
			if depth > 0 {
				sb.WriteByte(c)
			}
			i++
		}
	}
	return sb.String(), i
}

func readHexString(content []byte, start int) (string, int) {
	end := start + 1
	for end < len(content) && content[end] != '>' {
		end++
	}
	raw := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, string(content[start+1:end]))
	if len(raw)%2 != 0 {
		raw += "0"
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return "", end + 1
	}
	return string(decoded), end + 1
}

// isRegular reports whether c can be part of an operator token.
func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', '\x00', '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}

package template

import "strings"

func isIdentRune(r byte) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// HasTemplate reports whether s contains interpolation or block markers.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}

// NormalizeExpression rewrites bare filter pipes into call form so that
// expr-lang can compile them: "name|title_case" becomes "name | title_case()".
// Pipes inside string literals and the logical "||" operator are left alone.
func NormalizeExpression(e string) string {
	var out strings.Builder
	out.Grow(len(e) + 8)

	inDouble := false
	inSingle := false
	inBacktick := false
	escapeNext := false

	for i := 0; i < len(e); i++ {
		c := e[i]
		if escapeNext {
			out.WriteByte(c)
			escapeNext = false
			continue
		}
		if (inDouble || inSingle) && c == '\\' {
			out.WriteByte(c)
			escapeNext = true
			continue
		}
		switch {
		case c == '"' && !inSingle && !inBacktick:
			inDouble = !inDouble
		case c == '\'' && !inDouble && !inBacktick:
			inSingle = !inSingle
		case c == '`' && !inDouble && !inSingle:
			inBacktick = !inBacktick
		}
		if inDouble || inSingle || inBacktick {
			out.WriteByte(c)
			continue
		}

		if c != '|' {
			out.WriteByte(c)
			continue
		}
		// Logical or is two pipes; emit both and move on.
		if i+1 < len(e) && e[i+1] == '|' {
			out.WriteString("||")
			i++
			continue
		}
		if i > 0 && e[i-1] == '|' {
			out.WriteByte(c)
			continue
		}

		out.WriteByte(c)
		j := i + 1
		for j < len(e) && (e[j] == ' ' || e[j] == '\t') {
			out.WriteByte(e[j])
			j++
		}
		start := j
		for j < len(e) && isIdentRune(e[j]) {
			out.WriteByte(e[j])
			j++
		}
		if j == start {
			// Not a bare identifier after the pipe; leave as written.
			i = j - 1
			continue
		}
		k := j
		for k < len(e) && (e[k] == ' ' || e[k] == '\t') {
			k++
		}
		if k >= len(e) || e[k] != '(' {
			out.WriteString("()")
		}
		i = j - 1
	}
	return out.String()
}

package sequence

import "strings"

// Attributes are the recipient fields available to templates.
type Attributes struct {
	FirstName string
	LastName  string
	Company   string
	Title     string
}

// value resolves a placeholder name. Matching ignores case and underscores,
// so first_name, firstName and FIRSTNAME are the same token.
func (a Attributes) value(token string) (string, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(token)), "_", "")
	switch key {
	case "firstname":
		return a.FirstName, true
	case "lastname":
		return a.LastName, true
	case "company", "companyname":
		return a.Company, true
	case "title", "jobtitle":
		return a.Title, true
	}
	return "", false
}

// Render substitutes {token} and {{token}} placeholders in one pass.
// Unknown tokens and unterminated braces are copied through unchanged.
func Render(tmpl string, a Attributes) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			next := strings.IndexByte(tmpl[i:], '{')
			if next < 0 {
				b.WriteString(tmpl[i:])
				break
			}
			b.WriteString(tmpl[i : i+next])
			i += next
			continue
		}

		open, close := "{", "}"
		if strings.HasPrefix(tmpl[i:], "{{") {
			open, close = "{{", "}}"
		}

		rest := tmpl[i+len(open):]
		end := strings.Index(rest, close)
		if end < 0 || strings.ContainsAny(rest[:end], "{}") {
			b.WriteByte('{')
			i++
			continue
		}

		raw := tmpl[i : i+len(open)+end+len(close)]
		if v, ok := a.value(rest[:end]); ok {
			b.WriteString(v)
		} else {
			b.WriteString(raw)
		}
		i += len(raw)
	}
	return b.String()
}

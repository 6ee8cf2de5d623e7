package bridge

import "strings"

var jsEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
	"</", `<\/`,
)

// QuoteJS returns s as a single-quoted JavaScript string literal.
func QuoteJS(s string) string {
	return "'" + jsEscaper.Replace(s) + "'"
}

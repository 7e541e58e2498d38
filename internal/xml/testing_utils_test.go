package xml

import (
	"regexp"
	"strings"
)

// normalizeXML removes whitespace differences and the XML declaration for test comparisons
func normalizeXML(s string) string {
	s = regexp.MustCompile(`<\?xml[^>]*\?>`).ReplaceAllString(s, "")
	s = regexp.MustCompile(`>\s+<`).ReplaceAllString(s, "><")
	s = regexp.MustCompile(`\s+/>`).ReplaceAllString(s, "/>")
	return strings.TrimSpace(s)
}

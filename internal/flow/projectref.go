package flow

import (
	"regexp"
	"strings"
)

// propertyURLPattern matches a "properties/<slug>" path segment inside a
// shared link. The slug ends at the next path separator, query string, or
// whitespace.
var propertyURLPattern = regexp.MustCompile(`https?://[^\s]+/properties/([A-Za-z0-9-]+)`)

// ExtractProjectRef scans free text for a property page link and derives a
// human-readable project name from the URL slug. Returns the project name,
// the full page URL, and whether a reference was found.
func ExtractProjectRef(text string) (projectName, pageURL string, ok bool) {
	match := propertyURLPattern.FindStringSubmatch(text)
	if match == nil {
		return "", "", false
	}
	return titleCaseSlug(match[1]), match[0], true
}

// titleCaseSlug turns "marina-heights-tower" into "Marina Heights Tower".
func titleCaseSlug(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

package speech

import (
	"regexp"
	"strings"
)

// Voice is one platform voice as reported by the client.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default,omitempty"`
}

// Ordered most reliable first.
var femalePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)female`),
	regexp.MustCompile(`(?i)woman`),
	regexp.MustCompile(`(?i)zira`),
	regexp.MustCompile(`(?i)samantha`),
	regexp.MustCompile(`(?i)karen`),
	regexp.MustCompile(`(?i)moira`),
	regexp.MustCompile(`(?i)tessa`),
	regexp.MustCompile(`(?i)victoria`),
	regexp.MustCompile(`(?i)hazel`),
	regexp.MustCompile(`(?i)aria`),
	regexp.MustCompile(`(?i)jenny`),
}

var malePattern = regexp.MustCompile(`(?i)david|mark|alex|daniel|james|john`)

// SelectVoice picks a voice: an exact name match, then voices matching the
// locale (exact tag, then language prefix), and within those a voice whose
// name looks female, then one that does not look male, then the first.
// It returns nil when no voices are known, meaning the engine default.
func SelectVoice(voices []Voice, name, locale string) *Voice {
	if len(voices) == 0 {
		return nil
	}
	if name != "" {
		for i := range voices {
			if strings.EqualFold(voices[i].Name, name) {
				return &voices[i]
			}
		}
	}
	pool := byLocale(voices, locale)
	if len(pool) == 0 {
		pool = voices
	}
	for _, p := range femalePatterns {
		for i := range pool {
			if p.MatchString(pool[i].Name) {
				return &pool[i]
			}
		}
	}
	for i := range pool {
		if !malePattern.MatchString(pool[i].Name) {
			return &pool[i]
		}
	}
	return &pool[0]
}

func byLocale(voices []Voice, locale string) []Voice {
	if locale == "" {
		return nil
	}
	norm := func(s string) string { return strings.ToLower(strings.ReplaceAll(s, "_", "-")) }
	want := norm(locale)
	var exact, prefix []Voice
	lang, _, _ := strings.Cut(want, "-")
	for _, v := range voices {
		got := norm(v.Lang)
		switch {
		case got == want:
			exact = append(exact, v)
		case lang != "" && strings.HasPrefix(got, lang):
			prefix = append(prefix, v)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return prefix
}

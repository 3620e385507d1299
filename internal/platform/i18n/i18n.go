// Package i18n negotiates the storefront locale (English or Arabic) for requests and
// notifications.
package i18n

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/crystal-atelier/api/internal/platform/requestctx"
)

// Supported lists the storefront locales in preference order. The first is the fallback.
var Supported = []string{"en", "ar"}

// Matcher picks the closest supported locale for a tag or Accept-Language header.
type Matcher struct {
	tags     []language.Tag
	matcher  language.Matcher
	fallback string
}

// NewMatcher builds a matcher over locales. The fallback is used when nothing matches and must
// be one of locales; otherwise the first locale is used.
func NewMatcher(fallback string, locales ...string) *Matcher {
	if len(locales) == 0 {
		locales = Supported
	}
	tags := make([]language.Tag, 0, len(locales))
	fallbackIndex := 0
	for _, locale := range locales {
		tag, err := language.Parse(locale)
		if err != nil {
			continue
		}
		if strings.EqualFold(locale, fallback) {
			fallbackIndex = len(tags)
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		tags = []language.Tag{language.English}
	}
	// The matcher treats the first tag as the default.
	tags[0], tags[fallbackIndex] = tags[fallbackIndex], tags[0]

	return &Matcher{tags: tags, matcher: language.NewMatcher(tags), fallback: base(tags[0])}
}

// Fallback returns the locale used when nothing matches.
func (m *Matcher) Fallback() string { return m.fallback }

// Match returns the supported locale closest to the given BCP 47 tag, e.g. "ar-EG" -> "ar".
func (m *Matcher) Match(locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return m.fallback
	}
	return m.pick(tag)
}

// MatchAcceptLanguage resolves an Accept-Language header value.
func (m *Matcher) MatchAcceptLanguage(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return m.fallback
	}
	return m.pick(tags...)
}

func (m *Matcher) pick(tags ...language.Tag) string {
	_, index, confidence := m.matcher.Match(tags...)
	if confidence == language.No {
		return m.fallback
	}
	return base(m.tags[index])
}

func base(tag language.Tag) string {
	b, _ := tag.Base()
	return b.String()
}

// Middleware stores the negotiated locale in the request context. A "hl" query parameter
// overrides Accept-Language.
func Middleware(m *Matcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var locale string
			if hl := strings.TrimSpace(r.URL.Query().Get("hl")); hl != "" {
				locale = m.Match(hl)
			} else {
				locale = m.MatchAcceptLanguage(r.Header.Get("Accept-Language"))
			}
			w.Header().Add("Vary", "Accept-Language")
			w.Header().Set("Content-Language", locale)
			next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), locale)))
		})
	}
}

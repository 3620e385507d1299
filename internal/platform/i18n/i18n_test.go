package i18n

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crystal-atelier/api/internal/platform/requestctx"
)

func TestMatch(t *testing.T) {
	m := NewMatcher("en")
	cases := map[string]string{
		"ar":      "ar",
		"ar-EG":   "ar",
		"en-GB":   "en",
		"fr":      "en",
		"":        "en",
		"not a ?": "en",
	}
	for input, want := range cases {
		assert.Equal(t, want, m.Match(input), input)
	}
}

func TestMatchAcceptLanguage(t *testing.T) {
	m := NewMatcher("en")
	assert.Equal(t, "ar", m.MatchAcceptLanguage("fr-FR, ar;q=0.8, en;q=0.5"))
	assert.Equal(t, "en", m.MatchAcceptLanguage("en-US,en;q=0.9,ar;q=0.1"))
	assert.Equal(t, "en", m.MatchAcceptLanguage("de"))
	assert.Equal(t, "en", m.MatchAcceptLanguage(""))
}

func TestFallback(t *testing.T) {
	m := NewMatcher("ar")
	assert.Equal(t, "ar", m.Fallback())
	assert.Equal(t, "ar", m.Match("ja"))
	assert.Equal(t, "en", m.Match("en"))

	m = NewMatcher("xx", "en", "ar")
	assert.Equal(t, "en", m.Fallback())
}

func TestMiddleware(t *testing.T) {
	var seen string
	handler := Middleware(NewMatcher("en"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestctx.Locale(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Accept-Language", "ar-AE,ar;q=0.9")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, "ar", seen)
	assert.Equal(t, "ar", rr.Header().Get("Content-Language"))
	assert.Contains(t, rr.Header().Values("Vary"), "Accept-Language")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders?hl=en", nil)
	req.Header.Set("Accept-Language", "ar")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "en", seen)
}

package gateway

import (
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenCookie is the HttpOnly cookie carrying the session credential.
const accessTokenCookie = "access_token"

// accessTokenExpiry reads the exp claim of the access token cookie without
// verifying the signature. The value is only used for logging; the server
// stays the authority on validity.
func accessTokenExpiry(jar http.CookieJar, base *url.URL) (time.Time, bool) {
	for _, c := range jar.Cookies(base) {
		if c.Name != accessTokenCookie {
			continue
		}

		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(c.Value, claims); err != nil {
			return time.Time{}, false
		}

		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return time.Time{}, false
		}

		return exp.Time, true
	}

	return time.Time{}, false
}

// Package session carries the same claim set as a handoff token, but in an
// http-only cookie the client script never sees. Because the browser cannot
// read it, the payload is plain JSON (base64url-wrapped for cookie safety)
// rather than ciphertext.
package session

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"cadstudio/api/internal/handoff"
)

// CookieName is the fixed session cookie name.
const CookieName = "project-session"

// maxAge mirrors the handoff validity window, in seconds.
const maxAge = int(handoff.Validity / time.Second)

type Codec struct {
	secure bool
	now    func() time.Time
}

// NewCodec builds a cookie codec. secure marks the cookie Secure, which
// production always does.
func NewCodec(secure bool) *Codec {
	return &Codec{secure: secure, now: time.Now}
}

// Set writes the session cookie for the pair, stamped with the current
// wall clock.
func (c *Codec) Set(w http.ResponseWriter, projectID, subjectID string) {
	claims := handoff.Claims{
		ProjectID: projectID,
		SubjectID: subjectID,
		IssuedAt:  c.now().UnixMilli(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Get reads the session cookie. Missing, malformed, or stale cookies all
// come back as ok=false, the same discipline as handoff.Codec.Open.
func (c *Codec) Get(r *http.Request) (handoff.Claims, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return handoff.Claims{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return handoff.Claims{}, false
	}

	var claims handoff.Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return handoff.Claims{}, false
	}
	if claims.ProjectID == "" || claims.SubjectID == "" || claims.IssuedAt <= 0 {
		return handoff.Claims{}, false
	}
	if c.now().Sub(time.UnixMilli(claims.IssuedAt)) > handoff.Validity {
		return handoff.Claims{}, false
	}
	return claims, true
}

// Clear expires the session cookie.
func (c *Codec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

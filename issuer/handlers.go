package issuer

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type tokenResponse struct {
	Success    bool   `json:"success"`
	CSRFToken  string `json:"csrfToken,omitempty"`
	Expiry     int64  `json:"expiry,omitempty"`
	HeaderName string `json:"headerName,omitempty"`
	CookieName string `json:"cookieName,omitempty"`
	Rotated    bool   `json:"rotated"`
	Message    string `json:"message,omitempty"`
}

// Handler serves both token endpoints on their configured paths.
func (i *Issuer) Handler() http.Handler {
	mux := http.NewServeMux()
	i.Register(mux)
	return mux
}

// Register mounts the token endpoints on mux.
func (i *Issuer) Register(mux *http.ServeMux) {
	mux.Handle("GET "+i.cfg.FetchPath, i.FetchHandler())
	mux.Handle("POST "+i.cfg.RefreshPath, i.RefreshHandler())
}

// FetchHandler issues a new token to an authenticated caller.
func (i *Issuer) FetchHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := i.subject(r)
		if !ok {
			i.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		i.issueTo(w, subject, false)
	})
}

// RefreshHandler validates the presented token and rotates it once its remaining lifetime
// is within RotateWithin. The token must be presented in both the header and the body.
func (i *Issuer) RefreshHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := i.subject(r)
		if !ok {
			i.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		headerToken := r.Header.Get(i.cfg.HeaderName)
		bodyToken, err := i.bodyToken(r)
		if err != nil {
			i.reject(w, err)
			return
		}
		if headerToken == "" || bodyToken == "" {
			i.reject(w, ErrTokenMissing)
			return
		}
		if subtle.ConstantTimeCompare([]byte(headerToken), []byte(bodyToken)) != 1 {
			i.reject(w, ErrTokenMismatch)
			return
		}

		claims, err := i.Verify(headerToken, subject)
		if err != nil {
			i.reject(w, err)
			return
		}

		if claims.ExpiresAt.Time.Sub(i.clock.Now()) > i.cfg.RotateWithin {
			i.kept.Add(1)
			writeJSON(w, http.StatusOK, tokenResponse{Success: true, Rotated: false})
			return
		}
		i.rotated.Add(1)
		i.issueTo(w, subject, true)
	})
}

// Protect rejects POST, PUT, PATCH, and DELETE requests unless they carry a token that
// matches the CSRF cookie and verifies for the caller. The token is read from the header,
// or from the body field of a JSON body.
func (i *Issuer) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		subject, ok := i.subject(r)
		if !ok {
			i.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		token := r.Header.Get(i.cfg.HeaderName)
		if token == "" {
			bodyToken, err := i.bodyToken(r)
			if err != nil {
				i.reject(w, err)
				return
			}
			token = bodyToken
		}
		if token == "" {
			i.reject(w, ErrTokenMissing)
			return
		}

		cookie, err := r.Cookie(i.cfg.CookieName)
		if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) != 1 {
			i.reject(w, ErrTokenMismatch)
			return
		}
		if _, err := i.Verify(token, subject); err != nil {
			i.reject(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (i *Issuer) issueTo(w http.ResponseWriter, subject string, rotated bool) {
	token, expiresAt, err := i.Issue(subject)
	if err != nil {
		i.log.Error("csrf token issue failed", zap.Error(err))
		i.writeError(w, http.StatusInternalServerError, "failed to issue csrf token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     i.cfg.CookieName,
		Value:    token,
		Path:     i.cfg.CookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   i.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Success:    true,
		CSRFToken:  token,
		Expiry:     expiresAt.UnixMilli(),
		HeaderName: i.cfg.HeaderName,
		CookieName: i.cfg.CookieName,
		Rotated:    rotated,
	})
}

// bodyToken reads the body field from a JSON body and restores the body for later readers.
// Non-JSON bodies yield "".
func (i *Issuer) bodyToken(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return "", nil
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", nil
	}
	var token string
	if v, ok := fields[i.cfg.BodyField]; ok {
		_ = json.Unmarshal(v, &token)
	}
	return token, nil
}

func (i *Issuer) reject(w http.ResponseWriter, err error) {
	i.rejected.Add(1)
	msg := ErrTokenInvalid.Error()
	switch {
	case errors.Is(err, ErrTokenMissing):
		msg = ErrTokenMissing.Error()
	case errors.Is(err, ErrTokenMismatch):
		msg = ErrTokenMismatch.Error()
	}
	i.log.Debug("csrf token rejected", zap.Error(err))
	i.writeError(w, http.StatusForbidden, msg)
}

func (i *Issuer) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, tokenResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

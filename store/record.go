package store

import (
	"strconv"
	"time"
)

// Persisted key names. All four are written and cleared together.
const (
	KeyToken      = "csrf_token"
	KeyExpiry     = "csrf_token_expiry"
	KeyHeaderName = "csrf_header_name"
	KeyCookieName = "csrf_cookie_name"
)

// Keys lists the persisted key names in write order.
var Keys = []string{KeyToken, KeyExpiry, KeyHeaderName, KeyCookieName}

// Record is one issued CSRF token together with the names the server expects it under.
//
// Records are values: holders replace them wholesale and never mutate a shared copy.
type Record struct {
	Token      string
	ExpiresAt  time.Time
	HeaderName string
	CookieName string
}

// Valid reports whether the record may still be attached to requests at now.
func (r Record) Valid(now time.Time) bool {
	return r.Token != "" && now.Before(r.ExpiresAt)
}

// NearingExpiry reports whether the record is valid but has at most threshold left.
func (r Record) NearingExpiry(now time.Time, threshold time.Duration) bool {
	return r.Valid(now) && r.ExpiresAt.Sub(now) <= threshold
}

// Remaining returns the lifetime left at now, or zero once expired.
func (r Record) Remaining(now time.Time) time.Duration {
	if !r.Valid(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Encode renders the record as the persisted key/value group.
func Encode(r Record) map[string]string {
	return map[string]string{
		KeyToken:      r.Token,
		KeyExpiry:     strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10),
		KeyHeaderName: r.HeaderName,
		KeyCookieName: r.CookieName,
	}
}

// Decode rebuilds a record from a persisted group. Partial groups, empty tokens and
// unparsable expiries are reported as [ErrNotFound].
func Decode(values map[string]string) (Record, error) {
	for _, k := range Keys {
		if _, ok := values[k]; !ok {
			return Record{}, ErrNotFound
		}
	}
	if values[KeyToken] == "" {
		return Record{}, ErrNotFound
	}
	ms, err := strconv.ParseInt(values[KeyExpiry], 10, 64)
	if err != nil || ms <= 0 {
		return Record{}, ErrNotFound
	}
	return Record{
		Token:      values[KeyToken],
		ExpiresAt:  time.UnixMilli(ms),
		HeaderName: values[KeyHeaderName],
		CookieName: values[KeyCookieName],
	}, nil
}

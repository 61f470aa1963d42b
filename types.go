package csrfkit

import (
	"time"

	"github.com/lingaplink/csrfkit/store"
)

// TokenRecord is the current CSRF token with its expiry and the names the server expects.
type TokenRecord = store.Record

// State is the lifecycle position of the held token.
type State uint8

const (
	// StateEmpty means no token is held.
	StateEmpty State = iota
	// StateValid means a token is held with more than the refresh threshold left.
	StateValid
	// StateNearingExpiry means the token is still usable but due for refresh.
	StateNearingExpiry
	// StateExpired means a token is held but must not be attached; the next use fetches.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateValid:
		return "valid"
	case StateNearingExpiry:
		return "nearing_expiry"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func stateOf(rec *TokenRecord, now time.Time, threshold time.Duration) State {
	switch {
	case rec == nil:
		return StateEmpty
	case !rec.Valid(now):
		return StateExpired
	case rec.NearingExpiry(now, threshold):
		return StateNearingExpiry
	default:
		return StateValid
	}
}

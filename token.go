package nitram

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthStrategy names how a user proved their identity when their session
// was minted.
type AuthStrategy string

// StrategyEmailLink marks sessions issued through a single-use email link.
const StrategyEmailLink AuthStrategy = "EmailLink"

const tokenTTL = 7 * 24 * time.Hour

// ParsedToken is the decoded token payload. Expiry is not enforced here;
// callers decide whether an expired token is still acceptable.
type ParsedToken struct {
	ExpiresAt   time.Time `json:"expires_at"`
	DBSessionID string    `json:"db_session_id"`
	UserID      string    `json:"user_id"`
}

// TokenError reports a token that failed to decode.
type TokenError struct {
	cause error
}

func (e *TokenError) Error() string { return "token error: " + e.cause.Error() }
func (e *TokenError) Unwrap() error { return e.cause }

// GenerateToken mints a fresh session id and its opaque token, valid for
// seven days. The token is the standard base64 of the JSON payload;
// integrity is expected to come from the delivery channel, not from the
// encoding.
func GenerateToken(userID string) (sessionID string, expiresAt time.Time, token string, err error) {
	sessionID = uuid.NewString()
	expiresAt = time.Now().Add(tokenTTL)
	payload, err := json.Marshal(ParsedToken{
		ExpiresAt:   expiresAt,
		DBSessionID: sessionID,
		UserID:      userID,
	})
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("encoding token payload: %w", err)
	}
	return sessionID, expiresAt, base64.StdEncoding.EncodeToString(payload), nil
}

// ParseToken decodes a token produced by GenerateToken. It returns a
// *TokenError when either encoding layer fails or any payload field is
// absent.
func ParseToken(token string) (ParsedToken, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return ParsedToken{}, &TokenError{cause: fmt.Errorf("decoding base64: %w", err)}
	}
	var probe struct {
		ExpiresAt   *time.Time `json:"expires_at"`
		DBSessionID *string    `json:"db_session_id"`
		UserID      *string    `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ParsedToken{}, &TokenError{cause: fmt.Errorf("decoding payload: %w", err)}
	}
	if probe.ExpiresAt == nil || probe.DBSessionID == nil || probe.UserID == nil {
		return ParsedToken{}, &TokenError{cause: errors.New("payload missing fields")}
	}
	return ParsedToken{
		ExpiresAt:   *probe.ExpiresAt,
		DBSessionID: *probe.DBSessionID,
		UserID:      *probe.UserID,
	}, nil
}

// Package auth mints and validates the short-lived tokens that admit a
// browser to a call's WebSocket.
package auth

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/base64"
    "encoding/hex"
    "errors"
    "strconv"
    "strings"
    "time"
)

var (
    ErrTokenFormat  = errors.New("invalid token format")
    ErrTokenSig     = errors.New("invalid token signature")
    ErrTokenExpired = errors.New("token expired")
    ErrTokenCall    = errors.New("call id mismatch")
    ErrNoSecret     = errors.New("token secret not configured")
)

// GenerateCallToken builds a token for callID valid until expUnix.
// Format: base64url(call_id + "." + exp_unix + "." + hex(hmac_sha256(secret, call_id+"."+exp)))
func GenerateCallToken(secret, callID string, expUnix int64) (string, error) {
    if secret == "" {
        return "", ErrNoSecret
    }
    if callID == "" || strings.Contains(callID, ".") {
        return "", ErrTokenFormat
    }
    msg := callID + "." + strconv.FormatInt(expUnix, 10)
    raw := msg + "." + sign(secret, msg)
    return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// ValidateCallToken checks the signature and expiry and returns the embedded
// call id. A non-empty expectCallID must match. skew extends the expiry.
func ValidateCallToken(secret, token, expectCallID string, now time.Time, skew time.Duration) (string, error) {
    if secret == "" {
        return "", ErrNoSecret
    }
    b, err := base64.RawURLEncoding.DecodeString(token)
    if err != nil {
        return "", ErrTokenFormat
    }
    parts := strings.Split(string(b), ".")
    if len(parts) != 3 {
        return "", ErrTokenFormat
    }
    callID, expStr, sigHex := parts[0], parts[1], parts[2]
    exp, err := strconv.ParseInt(expStr, 10, 64)
    if err != nil {
        return "", ErrTokenFormat
    }
    got, err := hex.DecodeString(sigHex)
    if err != nil {
        return "", ErrTokenFormat
    }
    want, _ := hex.DecodeString(sign(secret, callID+"."+expStr))
    if !hmac.Equal(want, got) {
        return "", ErrTokenSig
    }
    if expectCallID != "" && callID != expectCallID {
        return "", ErrTokenCall
    }
    if now.After(time.Unix(exp, 0).Add(skew)) {
        return "", ErrTokenExpired
    }
    return callID, nil
}

func sign(secret, msg string) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write([]byte(msg))
    return hex.EncodeToString(mac.Sum(nil))
}

// Issuer mints tokens with a fixed lifetime.
type Issuer struct {
    Secret string
    TTL    time.Duration
    Skew   time.Duration
    Now    func() time.Time
}

func (i Issuer) now() time.Time {
    if i.Now != nil {
        return i.Now()
    }
    return time.Now()
}

func (i Issuer) Configured() bool { return i.Secret != "" }

func (i Issuer) Mint(callID string) (string, time.Time, error) {
    exp := i.now().Add(i.TTL)
    tok, err := GenerateCallToken(i.Secret, callID, exp.Unix())
    return tok, exp, err
}

func (i Issuer) Validate(token, callID string) error {
    _, err := ValidateCallToken(i.Secret, token, callID, i.now(), i.Skew)
    return err
}

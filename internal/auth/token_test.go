package auth

import (
    "errors"
    "testing"
    "time"
)

func TestGenerateAndValidateToken(t *testing.T) {
    sec := "secret123"
    cid := "0f6c1a9e-call"
    exp := time.Now().Add(5 * time.Minute).Unix()

    tok, err := GenerateCallToken(sec, cid, exp)
    if err != nil {
        t.Fatalf("gen: %v", err)
    }
    got, err := ValidateCallToken(sec, tok, cid, time.Now(), time.Minute)
    if err != nil {
        t.Fatalf("validate: %v", err)
    }
    if got != cid {
        t.Fatalf("call id = %s", got)
    }
}

func TestBadSignature(t *testing.T) {
    exp := time.Now().Add(5 * time.Minute).Unix()
    tok, _ := GenerateCallToken("secret123", "abc", exp)
    if _, err := ValidateCallToken("other", tok, "abc", time.Now(), 0); !errors.Is(err, ErrTokenSig) {
        t.Fatalf("err = %v, want ErrTokenSig", err)
    }
    if _, err := ValidateCallToken("secret123", "!!"+tok, "abc", time.Now(), 0); !errors.Is(err, ErrTokenFormat) {
        t.Fatalf("err = %v, want ErrTokenFormat", err)
    }
}

func TestExpiryAndCallMismatch(t *testing.T) {
    now := time.Unix(1_700_000_000, 0)
    iss := Issuer{Secret: "s", TTL: time.Minute, Skew: 5 * time.Second, Now: func() time.Time { return now }}
    tok, _, err := iss.Mint("call-1")
    if err != nil {
        t.Fatal(err)
    }
    if err := iss.Validate(tok, "call-2"); !errors.Is(err, ErrTokenCall) {
        t.Fatalf("err = %v, want ErrTokenCall", err)
    }
    now = now.Add(64 * time.Second)
    if err := iss.Validate(tok, "call-1"); err != nil {
        t.Fatalf("within skew: %v", err)
    }
    now = now.Add(2 * time.Second)
    if err := iss.Validate(tok, "call-1"); !errors.Is(err, ErrTokenExpired) {
        t.Fatalf("err = %v, want ErrTokenExpired", err)
    }
}

func TestMissingSecret(t *testing.T) {
    if _, err := GenerateCallToken("", "c", 1); !errors.Is(err, ErrNoSecret) {
        t.Fatalf("err = %v", err)
    }
}

func TestIssuerConfigured(t *testing.T) {
    if (Issuer{}).Configured() {
        t.Fatal("issuer without secret reports configured")
    }
    if !(Issuer{Secret: "s"}).Configured() {
        t.Fatal("issuer with secret reports unconfigured")
    }
}

package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/applypilot/creditgate/internal/domain"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Creditgate-Signature"

// DefaultTolerance bounds the age of a signed timestamp.
const DefaultTolerance = 5 * time.Minute

// Verifier checks "t=<unix>,v1=<hex>" signatures, where v1 is
// HMAC-SHA256(secret, "<t>.<payload>"). Several v1 entries may be present
// while a secret is being rotated.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// NewVerifier creates a verifier with the default tolerance.
func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: secret, Tolerance: DefaultTolerance}
}

// Verify returns domain.ErrAuthenticityFailure unless header signs payload.
func (v *Verifier) Verify(payload []byte, header string) error {
	if strings.TrimSpace(v.Secret) == "" {
		return fmt.Errorf("%w: webhook secret not configured", domain.ErrAuthenticityFailure)
	}
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	signedAt := time.Unix(ts, 0)
	if d := now.Sub(signedAt); d > tolerance || d < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrAuthenticityFailure)
	}

	expected := computeSignature(v.Secret, ts, payload)
	for _, sig := range sigs {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", domain.ErrAuthenticityFailure)
}

// Sign builds a signature header for payload at time t.
func Sign(secret string, payload []byte, t time.Time) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature(secret, ts, payload)))
}

func computeSignature(secret string, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var ts int64
	var haveTS bool
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", domain.ErrAuthenticityFailure)
			}
			ts, haveTS = n, true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: missing signature", domain.ErrAuthenticityFailure)
	}
	return ts, sigs, nil
}

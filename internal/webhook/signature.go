package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// maxTimestampAge bounds how old a signed envelope may be before it is
	// rejected as a possible replay.
	maxTimestampAge = 5 * time.Minute

	// maxFutureSkew tolerates small clock drift between the provider and us.
	maxFutureSkew = 30 * time.Second
)

// ErrInvalidSignature covers every authenticity failure: bad signature,
// malformed or stale timestamp. Callers reject without retry.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign computes the hex signature for a timestamp and raw body. Exported so
// tests and the provider simulator can produce valid envelopes.
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the HMAC-SHA256 signature over "timestamp.body" and
// enforces the freshness window around now.
func VerifySignature(secret, signature, timestamp string, body []byte, now time.Time) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}

	sent := time.Unix(unix, 0)
	if now.Sub(sent) > maxTimestampAge {
		return fmt.Errorf("%w: timestamp too old", ErrInvalidSignature)
	}
	if sent.Sub(now) > maxFutureSkew {
		return fmt.Errorf("%w: timestamp in the future", ErrInvalidSignature)
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}

	return nil
}

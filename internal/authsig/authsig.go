// Package authsig implements the signed-envelope authentication the
// coordinator requires on every miner- and validator-originated request:
// an HMAC-SHA256 signature over method, path, body digest, and a
// timestamp that must fall within a small skew window.
package authsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSkew is the maximum allowed distance between a request's
// timestamp and the coordinator's own clock.
const DefaultSkew = 5 * time.Minute

// Sign computes the hex-encoded HMAC-SHA256 signature for a request.
// The signed string is "METHOD\nPATH\nBODY_SHA256_HEX\nTIMESTAMP" — any
// change to method, path, body, or timestamp invalidates the signature.
func Sign(secret []byte, method, path string, body []byte, timestamp int64) string {
	bodyHash := sha256.Sum256(body)
	msg := signedString(method, path, hex.EncodeToString(bodyHash[:]), timestamp)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func signedString(method, path, bodyHashHex string, timestamp int64) string {
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		bodyHashHex,
		strconv.FormatInt(timestamp, 10),
	}, "\n")
}

// Verify checks a request's signature against secret, rejecting it if the
// timestamp falls outside skew of now or the signature does not match.
// Comparison is constant-time to avoid leaking the valid signature
// through response-timing side channels.
func Verify(secret []byte, method, path string, body []byte, timestamp int64, signatureHex string, now time.Time, skew time.Duration) error {
	if skew <= 0 {
		skew = DefaultSkew
	}

	reqTime := time.Unix(timestamp, 0)
	delta := now.Sub(reqTime)
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return fmt.Errorf("authsig: timestamp %d outside %v skew of server time", timestamp, skew)
	}

	want := Sign(secret, method, path, body, timestamp)
	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("authsig: malformed signature: %w", err)
	}
	wantBytes, _ := hex.DecodeString(want)

	if subtle.ConstantTimeCompare(got, wantBytes) != 1 {
		return fmt.Errorf("authsig: signature mismatch")
	}
	return nil
}

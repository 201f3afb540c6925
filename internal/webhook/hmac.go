package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error signature checks return, whatever
// the cause.
var errVerification = errors.New("webhook verification failed")

const signaturePrefix = "sha256="

// Sign returns the header value a sender attaches to body: "sha256=" and
// the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(mac(body, secret))
}

// verifySignature checks signature, in "sha256=<hex>" or bare hex form,
// against body in constant time.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(mac(body, secret), got) != 1 {
		return errVerification
	}
	return nil
}

func mac(body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}

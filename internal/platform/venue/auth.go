package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Credentials sign venue REST requests.
type Credentials struct {
	Key        string
	Secret     string // base64-encoded; raw bytes are used if decoding fails
	Passphrase string
}

// Headers returns the authentication headers for a request. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (c Credentials) Headers(method, path, body string, at time.Time) map[string]string {
	ts := strconv.FormatInt(at.Unix(), 10)

	secret, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		secret = []byte(c.Secret)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))

	return map[string]string{
		"X-API-KEY":        c.Key,
		"X-API-TIMESTAMP":  ts,
		"X-API-PASSPHRASE": c.Passphrase,
		"X-API-SIGNATURE":  base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (c Credentials) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("Credentials{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}

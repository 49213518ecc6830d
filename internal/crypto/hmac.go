package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// APICredentials are the L2 credentials the CLOB issues for a wallet.
type APICredentials struct {
	Key        string
	Secret     string // URL-safe or standard base64
	Passphrase string
}

// Valid reports whether all three parts are present.
func (c APICredentials) Valid() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// Apply sets the L2 authentication headers on h for a request issued at ts.
// The signature is base64url(HMAC-SHA256(secret, ts+method+path+body)).
func (c APICredentials) Apply(h http.Header, address, method, path, body string, ts time.Time) {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	h.Set("POLY_ADDRESS", address)
	h.Set("POLY_API_KEY", c.Key)
	h.Set("POLY_PASSPHRASE", c.Passphrase)
	h.Set("POLY_TIMESTAMP", stamp)
	h.Set("POLY_SIGNATURE", c.Sign(stamp+method+path+body))
}

// Sign returns the base64url HMAC-SHA256 of message.
func (c APICredentials) Sign(message string) string {
	mac := hmac.New(sha256.New, decodeSecret(c.Secret))
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// LogValue keeps the secret out of logs.
func (c APICredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key", mask(c.Key)),
		slog.Bool("secret_set", c.Secret != ""),
	)
}

func decodeSecret(s string) []byte {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b
		}
	}
	return []byte(s)
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

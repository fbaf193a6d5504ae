package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks hex(HMAC-SHA256(secret, timestamp || body)). An empty
// Secret disables verification.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) headers() (sig, ts string) {
	sig, ts = v.SignatureHeader, v.TimestampHeader
	if sig == "" {
		sig = DefaultSignatureHeader
	}
	if ts == "" {
		ts = DefaultTimestampHeader
	}
	return sig, ts
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}
	sigHeader, tsHeader := v.headers()

	sig := r.Header.Get(sigHeader)
	if sig == "" {
		return ErrMissingSignature
	}
	tsValue := r.Header.Get(tsHeader)
	if tsValue == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsValue, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := v.now()
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}

	expected := Sign(v.Secret, tsValue, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the lowercase hex signature for timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the default signature headers on an outgoing request.
// The body must be passed separately because it is consumed on send.
func SignRequest(req *http.Request, secret string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(DefaultTimestampHeader, ts)
	req.Header.Set(DefaultSignatureHeader, Sign(secret, ts, body))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

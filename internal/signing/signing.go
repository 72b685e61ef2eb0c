// Package signing authenticates webhook traffic with HMAC-SHA256 over a
// timestamp and the canonical JSON form of the body.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	signaturePrefix = "sha256="
	DefaultMaxSkew  = 300 * time.Second
)

// AuthError rejects a request before any state is touched.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// CanonicalJSON re-encodes body with object keys sorted at every depth and
// no insignificant whitespace. Numbers are kept exactly as written.
func CanonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode body: trailing data")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalValue is CanonicalJSON for an in-memory value.
func CanonicalValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return CanonicalJSON(raw)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case string:
		return writeString(buf, x)
	case json.Number:
		buf.WriteString(x.String())
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unexpected JSON value %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Signature computes "sha256=<hex>" over "<ts>.<canonical body>".
func Signature(secret string, ts int64, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(canonical)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Headers are the three values a signed request carries.
type Headers struct {
	AgentID   string
	Timestamp string
	Signature string
}

func (h Headers) Apply(hdr http.Header) {
	hdr.Set(HeaderAgentID, h.AgentID)
	hdr.Set(HeaderTimestamp, h.Timestamp)
	hdr.Set(HeaderSignature, h.Signature)
}

func FromHTTP(hdr http.Header) Headers {
	return Headers{
		AgentID:   hdr.Get(HeaderAgentID),
		Timestamp: hdr.Get(HeaderTimestamp),
		Signature: hdr.Get(HeaderSignature),
	}
}

// Signed reports whether a request carries a signature header at all.
func Signed(hdr http.Header) bool {
	return hdr.Get(HeaderSignature) != ""
}

// Sign returns the headers for body sent at now.
func Sign(body []byte, secret, agentID string, now time.Time) (Headers, error) {
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return Headers{}, err
	}
	ts := now.Unix()
	return Headers{
		AgentID:   agentID,
		Timestamp: strconv.FormatInt(ts, 10),
		Signature: Signature(secret, ts, canonical),
	}, nil
}

// Verifier checks inbound signatures.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v Verifier) Verify(h Headers, body []byte) error {
	if v.Secret == "" {
		return &AuthError{Reason: "no shared secret configured"}
	}
	if h.AgentID == "" || h.Timestamp == "" || h.Signature == "" {
		return &AuthError{Reason: "missing signature headers"}
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(h.Timestamp), 10, 64)
	if err != nil {
		return &AuthError{Reason: "malformed timestamp"}
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	delta := now().Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return &AuthError{Reason: fmt.Sprintf("timestamp outside %s window", skew)}
	}

	canonical, err := CanonicalJSON(body)
	if err != nil {
		return &AuthError{Reason: "body is not valid JSON"}
	}
	want := Signature(v.Secret, ts, canonical)
	if !hmac.Equal([]byte(want), []byte(h.Signature)) {
		return &AuthError{Reason: "signature mismatch"}
	}
	return nil
}

// Verify checks h against body using the default window.
func Verify(h Headers, body []byte, secret string, now time.Time) error {
	return Verifier{Secret: secret, Now: func() time.Time { return now }}.Verify(h, body)
}

package signing

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorted keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested", `{"z":{"y":[3,{"d":1,"c":2}],"x":null}, "a": true}`, `{"a":true,"z":{"x":null,"y":[3,{"c":2,"d":1}]}}`},
		{"numbers verbatim", `{"n":1.50,"big":12345678901234567890}`, `{"big":12345678901234567890,"n":1.50}`},
		{"no html escaping", `{"s":"<a&b>"}`, `{"s":"<a&b>"}`},
		{"unicode kept", `{"s":"héllo"}`, `{"s":"héllo"}`},
		{"escapes", `{"s":"line\nbreak \"q\""}`, `{"s":"line\nbreak \"q\""}`},
		{"array order", `[3,1,2]`, `[3,1,2]`},
		{"scalar", `"x"`, `"x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalJSON_Invalid(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":`))
	assert.Error(t, err)
	_, err = CanonicalJSON([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestCanonicalValue(t *testing.T) {
	got, err := CanonicalValue(map[string]any{"b": "x", "a": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2],"b":"x"}`, string(got))
}

func TestSignature_Deterministic(t *testing.T) {
	sig := Signature("secret", 1700000000, []byte(`{"a":1}`))
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.Equal(t, sig, Signature("secret", 1700000000, []byte(`{"a":1}`)))
	assert.NotEqual(t, sig, Signature("secret", 1700000001, []byte(`{"a":1}`)))
	assert.NotEqual(t, sig, Signature("other", 1700000000, []byte(`{"a":1}`)))
}

func TestSignVerify_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"task.created","task":{"id":"t-1","title":"Fix"}}`)

	h, err := Sign(body, "s3cret", "agent-7", now)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", h.AgentID)
	assert.Equal(t, "1700000000", h.Timestamp)

	require.NoError(t, Verify(h, body, "s3cret", now))

	// Key order and whitespace do not matter.
	reordered := []byte(`{ "task": {"title":"Fix", "id":"t-1"}, "event": "task.created" }`)
	assert.NoError(t, Verify(h, reordered, "s3cret", now))
}

func TestVerify_TamperedSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"a":1}`)
	h, err := Sign(body, "s3cret", "agent", now)
	require.NoError(t, err)

	for i := len(signaturePrefix); i < len(h.Signature); i++ {
		tampered := h
		b := []byte(h.Signature)
		if b[i] == '0' {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
		tampered.Signature = string(b)
		err := Verify(tampered, body, "s3cret", now)
		require.Error(t, err, "index %d", i)
		require.True(t, IsAuthError(err))
	}
}

func TestVerify_TimestampWindow(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0)
	body := []byte(`{"a":1}`)
	h, err := Sign(body, "s3cret", "agent", signedAt)
	require.NoError(t, err)

	assert.NoError(t, Verify(h, body, "s3cret", signedAt.Add(300*time.Second)))
	assert.NoError(t, Verify(h, body, "s3cret", signedAt.Add(-300*time.Second)))
	assert.True(t, IsAuthError(Verify(h, body, "s3cret", signedAt.Add(301*time.Second))))
	assert.True(t, IsAuthError(Verify(h, body, "s3cret", signedAt.Add(-301*time.Second))))
}

func TestVerify_MissingOrMalformed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"a":1}`)
	h, err := Sign(body, "s3cret", "agent", now)
	require.NoError(t, err)

	noAgent := h
	noAgent.AgentID = ""
	assert.True(t, IsAuthError(Verify(noAgent, body, "s3cret", now)))

	badTS := h
	badTS.Timestamp = "yesterday"
	assert.True(t, IsAuthError(Verify(badTS, body, "s3cret", now)))

	assert.True(t, IsAuthError(Verify(h, []byte(`not json`), "s3cret", now)))
	assert.True(t, IsAuthError(Verify(h, body, "", now)))
	assert.True(t, IsAuthError(Verify(h, body, "wrong", now)))
}

func TestHeaders_HTTP(t *testing.T) {
	h := Headers{AgentID: "a", Timestamp: strconv.Itoa(5), Signature: "sha256=00"}
	hdr := http.Header{}
	assert.False(t, Signed(hdr))
	h.Apply(hdr)
	assert.True(t, Signed(hdr))
	assert.Equal(t, h, FromHTTP(hdr))
}

package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHmacSha256(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	expected := "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="
	assert.Equal(t, expected, computeHmacSha256("The quick brown fox jumps over the lazy dog", "key"))
}

func TestSigner_Headers(t *testing.T) {
	signer := NewSigner("key", "secret")
	signer.now = func() time.Time { return time.UnixMilli(1600000000000) }

	headers := signer.Headers(http.MethodPost, "/v1/orders/create", []byte(`{"token":"0x1"}`))

	assert.Equal(t, "key", headers[headerAPIKey])
	assert.Equal(t, "1600000000000", headers[headerTimestamp])
	assert.Equal(t, computeHmacSha256(`1600000000000POST/v1/orders/create{"token":"0x1"}`, "secret"), headers[headerSignature])
}

func TestClient_SignsRequests(t *testing.T) {
	signer := NewSigner("key", "secret")
	signer.now = func() time.Time { return time.UnixMilli(1600000000000) }

	var got http.Header
	var uri string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		uri = r.URL.RequestURI()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"pending","data":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", time.Second, WithSigner(signer))
	_, err := c.FetchStatus(context.Background(), testOrderID)
	require.NoError(t, err)

	assert.Equal(t, "/v1/orders/"+testOrderID, uri)
	assert.Equal(t, "key", got.Get(headerAPIKey))
	assert.Equal(t, computeHmacSha256("1600000000000GET"+uri, "secret"), got.Get(headerSignature))
}

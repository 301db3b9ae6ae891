package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rkcloudchain/hostca/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientInit(t *testing.T) {
	c := &Client{}
	err := c.Init()
	assert.NoError(t, err)
	assert.True(t, c.initialized)
	assert.NotNil(t, c.httpClient)

	c = &Client{Config: &config.ClientConfig{TLS: config.ClientTLSConfig{Enabled: true}}}
	assert.Error(t, c.Init())
}

func TestNormalizeURL(t *testing.T) {
	u, err := NormalizeURL("localhost")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", u.String())

	u, err = NormalizeURL("https://ca.example.org:9443/")
	require.NoError(t, err)
	assert.Equal(t, "https://ca.example.org:9443", u.String())

	u, err = NormalizeURL("localhost:7054")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:7054", u.String())

	_, err = NormalizeURL("http://host:port")
	assert.Error(t, err)
}

func TestSendReqErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/ledger":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"result":"","errors":[{"code":44,"message":"CA store is not initialized"}],"messages":[],"success":false}`))
		case "/api/v1/cainfo":
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := &Client{Config: &config.ClientConfig{URL: srv.URL}}
	_, err := c.Ledger()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error code: 44")

	_, err = c.GetCAInfo()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to parse response")

	_, err = c.Certificate("mail.example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 500")
}

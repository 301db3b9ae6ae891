// Package client queries a running hostca inspection server.
package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cfsslapi "github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/log"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/api"
	"github.com/rkcloudchain/hostca/config"
)

const (
	defaultServerPort = "8090"
	apiPathPrefix     = "api/v1"
)

// Client is the hostca inspection client object
type Client struct {
	// The client's home directory; relative TLS files are resolved against it
	HomeDir string
	// The client's configuration
	Config *config.ClientConfig
	// HTTP client associated with this client
	httpClient  *http.Client
	initialized bool
}

// Init initialize the client
func (c *Client) Init() error {
	if !c.initialized {
		if c.Config == nil {
			c.Config = new(config.ClientConfig)
		}
		log.Debugf("Initializing client with URL %s", c.Config.URL)

		err := c.initHTTPClient()
		if err != nil {
			return err
		}

		c.initialized = true
	}
	return nil
}

func (c *Client) initHTTPClient() error {
	tr := new(http.Transport)
	if c.Config.TLS.Enabled {
		log.Info("TLS enabled")

		err := config.AbsTLSClient(&c.Config.TLS, c.HomeDir)
		if err != nil {
			return err
		}

		tlsConfig, err2 := config.GetClientTLSConfig(&c.Config.TLS)
		if err2 != nil {
			return errors.Errorf("Failed to get client TLS config: %s", err2)
		}
		tr.TLSClientConfig = tlsConfig
	}
	c.httpClient = &http.Client{Transport: tr, Timeout: 30 * time.Second}
	return nil
}

// GetCAInfo returns information about the root CA
func (c *Client) GetCAInfo() (*api.GetCAInfoResponse, error) {
	get, err := c.newGet("cainfo")
	if err != nil {
		return nil, err
	}
	var result api.CAInfoResponseNet
	err = c.SendReq(get, &result)
	if err != nil {
		return nil, err
	}

	resp := &api.GetCAInfoResponse{}
	err = c.net2LocalCAInfo(&result, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Ledger returns every row of the CA's ledger
func (c *Client) Ledger() ([]api.LedgerEntryNet, error) {
	get, err := c.newGet("ledger")
	if err != nil {
		return nil, err
	}
	var result api.LedgerResponseNet
	err = c.SendReq(get, &result)
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Certificate returns the ledger rows and journal records for commonName
func (c *Client) Certificate(commonName string) (*api.CertificateResponseNet, error) {
	get, err := c.newGet("certificates/" + url.PathEscape(commonName))
	if err != nil {
		return nil, err
	}
	var result api.CertificateResponseNet
	err = c.SendReq(get, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Convert from network to local CA information
func (c *Client) net2LocalCAInfo(net *api.CAInfoResponseNet, local *api.GetCAInfoResponse) error {
	caChain, err := base64.StdEncoding.DecodeString(net.CAChain)
	if err != nil {
		return errors.WithMessage(err, "Failed to decode CA chain")
	}
	if net.NotAfter != "" {
		local.NotAfter, err = time.Parse(time.RFC3339, net.NotAfter)
		if err != nil {
			return errors.Wrap(err, "Invalid CA expiry")
		}
	}
	local.CAName = net.CAName
	local.CAChain = caChain
	local.Fingerprint = net.Fingerprint
	local.StoreStatus = net.StoreStatus
	local.NextSerial = net.NextSerial
	local.Version = net.Version
	return nil
}

// SendReq sends a request to the hostca server and fills in the result
func (c *Client) SendReq(req *http.Request, result interface{}) (err error) {
	urlStr := req.URL.String()
	log.Debugf("Sending request %s", urlStr)

	err = c.Init()
	if err != nil {
		return err
	}
	if c.Config.User != "" {
		req.SetBasicAuth(c.Config.User, c.Config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s failure of request: %s", req.Method, urlStr)
	}
	var respBody []byte
	if resp.Body != nil {
		respBody, err = ioutil.ReadAll(resp.Body)
		defer func() {
			err := resp.Body.Close()
			if err != nil {
				log.Debugf("Failed to close the response body: %s", err.Error())
			}
		}()
		if err != nil {
			return errors.Wrapf(err, "Failed to read response of request: %s", urlStr)
		}
	}
	var body *cfsslapi.Response
	if len(respBody) > 0 {
		body = new(cfsslapi.Response)
		err = json.Unmarshal(respBody, body)
		if err != nil {
			return errors.Wrapf(err, "Failed to parse response: %s", respBody)
		}
		if len(body.Errors) > 0 {
			var errorMsg string
			for _, err := range body.Errors {
				msg := fmt.Sprintf("Response from server: Error code: %d - %s\n", err.Code, err.Message)
				if errorMsg == "" {
					errorMsg = msg
				} else {
					errorMsg = errorMsg + fmt.Sprintf("\n%s", msg)
				}
			}
			return errors.New(errorMsg)
		}
	}
	scode := resp.StatusCode
	if scode >= 400 {
		return errors.Errorf("Failed with server status code %d for request: \n%s", scode, urlStr)
	}
	if body == nil {
		return errors.Errorf("Empty response body: \n%s", urlStr)
	}
	if !body.Success {
		return errors.Errorf("Server returned failure for request: \n%s", urlStr)
	}
	log.Debugf("Response body result: %+v", body.Result)
	if result != nil {
		return mapstructure.Decode(body.Result, result)
	}
	return nil
}

func (c *Client) newGet(endpoint string) (*http.Request, error) {
	curl, err := c.getURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, curl, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed creating GET request for %s", curl)
	}
	return req, nil
}

func (c *Client) getURL(endpoint string) (string, error) {
	if err := c.Init(); err != nil {
		return "", err
	}
	nurl, err := NormalizeURL(c.Config.URL)
	if err != nil {
		return "", err
	}
	rtn := fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(nurl.String(), "/"), apiPathPrefix, endpoint)
	return rtn, nil
}

// NormalizeURL normalizes a URL (from cfssl)
func NormalizeURL(addr string) (*url.URL, error) {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), "/")
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Opaque != "" {
		u.Host = net.JoinHostPort(u.Scheme, u.Opaque)
		u.Opaque = ""
	} else if u.Path != "" && !strings.Contains(u.Path, ":") {
		u.Host = net.JoinHostPort(u.Path, defaultServerPort)
		u.Path = ""
	} else if u.Scheme == "" {
		u.Host = u.Path
		u.Path = ""
	}
	if u.Scheme != "https" {
		u.Scheme = "http"
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		_, port, err = net.SplitHostPort(u.Host + ":" + defaultServerPort)
		if err != nil {
			return nil, err
		}
	}
	if port != "" {
		_, err = strconv.Atoi(port)
		if err != nil {
			return nil, err
		}
	}
	return u, nil
}

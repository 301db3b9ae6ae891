package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefaults() Defaults {
	return Defaults{
		StoreDir:     "/var/lib/hostca",
		RootCertFile: "/var/lib/hostca/certs/ca.pem",
		RootKeyFile:  "/var/lib/hostca/private/ca.key",
		Organization: "Example",
		Country:      "DE",
		State:        "Berlin",
		City:         "Berlin",
	}
}

func TestGenerateEmbedsCommonName(t *testing.T) {
	doc, err := Generate("mail.example.org", testDefaults())
	require.NoError(t, err)

	assert.Equal(t, "mail.example.org", doc.DN.CommonName)
	assert.Equal(t, "hostmaster@example.org", doc.DN.Email)
	assert.Equal(t, DefaultLeafDays, doc.DefaultDays)
	assert.Equal(t, Supplied, doc.Policy["commonName"])
	assert.Equal(t, Optional, doc.Policy["organizationName"])
	assert.Equal(t, "/var/lib/hostca/index", doc.Paths.Index)
	assert.True(t, doc.Profiles[RootProfile].IsCA)
	assert.False(t, doc.Profiles[LeafProfile].IsCA)
}

func TestGenerateIsPure(t *testing.T) {
	d := testDefaults()
	a, err := Generate("ldap.example.org", d)
	require.NoError(t, err)
	b, err := Generate("www.example.org", d)
	require.NoError(t, err)
	c, err := Generate("ldap.example.org", d)
	require.NoError(t, err)

	assert.Equal(t, a, c)
	assert.NotEqual(t, a.DN.CommonName, b.DN.CommonName)
	assert.Equal(t, testDefaults(), d)
}

func TestGenerateWildcardKeepsCN(t *testing.T) {
	doc, err := Generate("*.example.org", testDefaults())
	require.NoError(t, err)
	assert.Equal(t, "*.example.org", doc.DN.CommonName)
	assert.Equal(t, "hostmaster@example.org", doc.DN.Email)

	req := doc.Request()
	assert.Equal(t, "*.example.org", req.CN)
	assert.Contains(t, req.Hosts, "*.example.org")
	assert.Contains(t, req.Hosts, "hostmaster@example.org")
	require.Len(t, req.Names, 1)
	assert.Equal(t, "DE", req.Names[0].C)
}

func TestGenerateValidation(t *testing.T) {
	_, err := Generate("  ", testDefaults())
	assert.Error(t, err)

	d := testDefaults()
	d.Country = "Germany"
	_, err = Generate("a.example.org", d)
	assert.Error(t, err)

	long := ""
	for i := 0; i < 70; i++ {
		long += "a"
	}
	_, err = Generate(long+".org", testDefaults())
	assert.Error(t, err)
}

func TestGenerateOptionalFieldsEmpty(t *testing.T) {
	doc, err := Generate("localhost", Defaults{ValidityDays: 30})
	require.NoError(t, err)
	assert.Equal(t, "", doc.DN.Email)
	assert.Empty(t, doc.Request().Names)
	assert.Equal(t, []string{"localhost"}, doc.Request().Hosts)
	assert.Equal(t, 30, doc.DefaultDays)
}

func TestSigning(t *testing.T) {
	d := testDefaults()
	d.ValidityDays = 365
	doc, err := Generate("www.example.org", d)
	require.NoError(t, err)

	s := doc.Signing()
	require.NotNil(t, s.Default)
	assert.Equal(t, 365*24*time.Hour, s.Default.Expiry)
	assert.Contains(t, s.Default.Usage, "server auth")
	require.Contains(t, s.Profiles, RootProfile)
	assert.True(t, s.Profiles[RootProfile].CAConstraint.IsCA)
	assert.True(t, s.Profiles[LeafProfile].ClientProvidesSerialNumbers)
	assert.True(t, s.Valid())
}

func TestRender(t *testing.T) {
	doc, err := Generate("www.example.org", testDefaults())
	require.NoError(t, err)

	buf, err := doc.Render()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf, &decoded))
	for _, section := range []string{"ca_default", "policy", "req_distinguished_name", "profiles"} {
		assert.Contains(t, decoded, section)
	}
	assert.Contains(t, string(buf), `"commonName": "www.example.org"`)
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.org", Domain("mail.example.org"))
	assert.Equal(t, "example.org", Domain("*.example.org"))
	assert.Equal(t, "", Domain("localhost"))
	assert.Equal(t, "", Domain("host."))
}

// Package policy builds the signing-policy document used for a single
// issuance. The common name is baked into the document, so a new document
// is generated for every request and nothing is cached between calls.
package policy

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	cfcfg "github.com/cloudflare/cfssl/config"
	"github.com/cloudflare/cfssl/csr"
	"github.com/pkg/errors"
)

// Profile names
const (
	LeafProfile = "leaf"
	RootProfile = "root"
)

const (
	// DefaultLeafDays is the leaf validity used when none is configured
	DefaultLeafDays = 3650
	// RootDays is the fixed validity of the self-signed root
	RootDays = 3650
)

// DN field policies
const (
	Supplied = "supplied"
	Optional = "optional"
)

var (
	leafUsage = []string{"digital signature", "key encipherment", "server auth", "client auth"}
	rootUsage = []string{"cert sign", "crl sign"}
)

// Defaults are the CA-wide values every document starts from
type Defaults struct {
	StoreDir     string
	RootCertFile string
	RootKeyFile  string
	Organization string
	Country      string
	State        string
	City         string
	ContactEmail string
	ValidityDays int
}

// Paths records where the CA keeps its state
type Paths struct {
	Store    string `json:"dir"`
	Index    string `json:"database"`
	Serial   string `json:"serial"`
	NewCerts string `json:"new_certs_dir"`
	RootCert string `json:"certificate"`
	RootKey  string `json:"private_key"`
}

// DistinguishedName holds the request DN defaults
type DistinguishedName struct {
	CommonName   string `json:"commonName"`
	Organization string `json:"organizationName,omitempty"`
	Country      string `json:"countryName,omitempty"`
	State        string `json:"stateOrProvinceName,omitempty"`
	City         string `json:"localityName,omitempty"`
	Email        string `json:"emailAddress,omitempty"`
}

// Profile is an extension profile
type Profile struct {
	Usage      []string `json:"usage"`
	IsCA       bool     `json:"is_ca"`
	ExpiryDays int      `json:"expiry_days"`
}

// Document is the signing policy bound to one common name
type Document struct {
	Paths       Paths              `json:"ca_default"`
	DefaultDays int                `json:"default_days"`
	Policy      map[string]string  `json:"policy"`
	DN          DistinguishedName  `json:"req_distinguished_name"`
	Profiles    map[string]Profile `json:"profiles"`
}

// Generate returns the signing policy for commonName
func Generate(commonName string, d Defaults) (*Document, error) {
	commonName = strings.TrimSpace(commonName)
	if commonName == "" {
		return nil, errors.New("A common name is required")
	}

	days := d.ValidityDays
	if days <= 0 {
		days = DefaultLeafDays
	}
	email := d.ContactEmail
	if email == "" {
		if domain := Domain(commonName); domain != "" {
			email = "hostmaster@" + domain
		}
	}

	doc := &Document{
		Paths: Paths{
			Store:    d.StoreDir,
			Index:    joinPath(d.StoreDir, "index"),
			Serial:   joinPath(d.StoreDir, "serial"),
			NewCerts: joinPath(d.StoreDir, "newcerts"),
			RootCert: d.RootCertFile,
			RootKey:  d.RootKeyFile,
		},
		DefaultDays: days,
		Policy: map[string]string{
			"commonName":          Supplied,
			"organizationName":    Optional,
			"countryName":         Optional,
			"stateOrProvinceName": Optional,
			"localityName":        Optional,
			"emailAddress":        Optional,
		},
		DN: DistinguishedName{
			CommonName:   commonName,
			Organization: d.Organization,
			Country:      d.Country,
			State:        d.State,
			City:         d.City,
			Email:        email,
		},
		Profiles: map[string]Profile{
			LeafProfile: {Usage: leafUsage, ExpiryDays: days},
			RootProfile: {Usage: rootUsage, IsCA: true, ExpiryDays: RootDays},
		},
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Domain strips the first label of a host name; "mail.example.org" and
// "*.example.org" both yield "example.org"
func Domain(commonName string) string {
	idx := strings.Index(commonName, ".")
	if idx < 0 || idx == len(commonName)-1 {
		return ""
	}
	return commonName[idx+1:]
}

// Validate checks the document against its own DN policy
func (d *Document) Validate() error {
	for field, rule := range d.Policy {
		if rule == Supplied && d.dnValue(field) == "" {
			return errors.Errorf("The '%s' field is required by the signing policy", field)
		}
	}
	if d.DN.Country != "" && len(d.DN.Country) != 2 {
		return errors.Errorf("The country name '%s' must be a two letter code", d.DN.Country)
	}
	if len(d.DN.CommonName) > 64 {
		return errors.Errorf("The CN '%s' exceeds the maximum character limit of 64", d.DN.CommonName)
	}
	return nil
}

func (d *Document) dnValue(field string) string {
	switch field {
	case "commonName":
		return d.DN.CommonName
	case "organizationName":
		return d.DN.Organization
	case "countryName":
		return d.DN.Country
	case "stateOrProvinceName":
		return d.DN.State
	case "localityName":
		return d.DN.City
	case "emailAddress":
		return d.DN.Email
	}
	return ""
}

// Signing converts the document's profiles to a cfssl signing policy whose
// default profile is the leaf profile
func (d *Document) Signing() *cfcfg.Signing {
	profiles := make(map[string]*cfcfg.SigningProfile, len(d.Profiles))
	for name, p := range d.Profiles {
		profiles[name] = signingProfile(p)
	}
	return &cfcfg.Signing{
		Profiles: profiles,
		Default:  signingProfile(d.Profiles[LeafProfile]),
	}
}

func signingProfile(p Profile) *cfcfg.SigningProfile {
	expiry := time.Duration(p.ExpiryDays) * 24 * time.Hour
	sp := &cfcfg.SigningProfile{
		Usage:                       append([]string(nil), p.Usage...),
		Expiry:                      expiry,
		ExpiryString:                expiry.String(),
		ClientProvidesSerialNumbers: true,
	}
	if p.IsCA {
		sp.CAConstraint = cfcfg.CAConstraint{IsCA: true, MaxPathLen: 0, MaxPathLenZero: true}
	}
	return sp
}

// Request returns the certificate request for the document's DN. The
// common name is also the DNS subject alternative name and the contact
// email becomes an email SAN.
func (d *Document) Request() *csr.CertificateRequest {
	req := &csr.CertificateRequest{
		CN:    d.DN.CommonName,
		Hosts: []string{d.DN.CommonName},
	}
	if d.DN.Country != "" || d.DN.State != "" || d.DN.City != "" || d.DN.Organization != "" {
		req.Names = []csr.Name{{
			C:  d.DN.Country,
			ST: d.DN.State,
			L:  d.DN.City,
			O:  d.DN.Organization,
		}}
	}
	if d.DN.Email != "" {
		req.Hosts = append(req.Hosts, d.DN.Email)
	}
	return req
}

// Render returns the document as indented JSON
func (d *Document) Render() ([]byte, error) {
	buf, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal signing policy")
	}
	return buf, nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name)
}

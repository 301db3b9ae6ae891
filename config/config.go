package config

import (
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/util"
	"github.com/spf13/viper"
)

// Config is the hostca configuration. It is read once and passed by value
// or pointer to the engine, which never modifies it.
type Config struct {
	// Version of the configuration file
	Version string `skip:"true"`
	// Enables debug logging
	Debug bool `opt:"d" help:"Enable debug level logging" hide:"true"`
	// Sets the logging level
	LogLevel string `help:"Set logging level (info, warning, debug, error, fatal, critical)"`
	// Directory where per-certificate artifacts are written
	WorkDir string `def:"work" help:"Directory where keys, CSRs and certificates are written before delivery"`
	// Directory where installed certificates are read for fingerprint reports
	TrustDir string `help:"Directory holding installed certificates that fingerprints are reported for"`
	Store    StoreConfig
	CA       CAConfig
	CSR      CSRConfig
	Leaf     LeafConfig
	Remote   RemoteConfig
	Journal  JournalConfig
	Server   ServerConfig
	Client   ClientConfig
}

// StoreConfig locates the CA store
type StoreConfig struct {
	Dir         string `def:"ca" help:"Directory of the CA store (ledger, serial counter, root key and certificate)"`
	FirstSerial string `def:"01" help:"Hex serial number the counter starts at when the store is created"`
}

// CAConfig is the root certificate's subject and key ownership
type CAConfig struct {
	CN string `def:"hostca Root CA" help:"Common name of the self-signed root certificate"`
	// Account the root key is chowned to; empty leaves ownership alone
	KeyOwner string `help:"User that owns the root key file (requires privileges)"`
	KeyGroup string `help:"Group that owns the root key file (requires privileges)"`
}

// CSRConfig holds the distinguished-name defaults for every request
type CSRConfig struct {
	Organization string `help:"Organization (O) of issued certificates and the root"`
	Country      string `help:"Two letter country code (C)"`
	State        string `help:"State or province (ST)"`
	City         string `help:"Locality (L)"`
	Email        string `help:"Contact email; defaults to hostmaster@<domain of the common name>"`
}

// LeafConfig controls issued leaf certificates
type LeafConfig struct {
	ValidityDays int `def:"3650" help:"Validity of issued certificates in days"`
	KeyBits      int `def:"2048" help:"RSA key size of issued certificates"`
}

// RemoteConfig is the delivery target
type RemoteConfig struct {
	Host         string        `help:"Host the signed pair is delivered to"`
	Principal    string        `help:"SSH login used for delivery"`
	Port         int           `def:"22" help:"SSH port of the remote host"`
	Dir          string        `help:"Remote directory the files are copied into"`
	KnownHosts   string        `help:"known_hosts file used to verify the remote host key (default ~/.ssh/known_hosts)"`
	IdentityFile string        `help:"Private key used for SSH authentication"`
	UseAgent     bool          `def:"true" help:"Authenticate with the keys of the running SSH agent"`
	Timeout      time.Duration `help:"SSH connection timeout (0 means no timeout)"`
}

// JournalConfig selects an optional SQL mirror of the issuance journal
type JournalConfig struct {
	Type       string `help:"Type of the mirror database; one of postgres or mysql (empty disables the mirror)"`
	Datasource string `help:"Data source of the mirror database"`
}

// ServerConfig is the inspection server's configuration
type ServerConfig struct {
	// Bind address for the server
	Address string `def:"127.0.0.1" help:"Listening address of the inspection server"`
	// Listening port for the server
	Port int `def:"8090" help:"Listening port of the inspection server"`
	// Basic auth user and bcrypt hash of its password; empty disables auth
	AuthUser string `help:"User name required by the inspection server"`
	AuthHash string `help:"bcrypt hash of the inspection server password"`
	// TLS for the server's listening endpoint
	TLS ServerTLSConfig
}

// ServerTLSConfig defines key material for a TLS server
type ServerTLSConfig struct {
	Enabled    bool   `help:"Enable TLS on the inspection server"`
	CertFile   string `help:"PEM-encoded TLS certificate"`
	KeyFile    string `help:"PEM-encoded TLS key"`
	ClientAuth ClientAuth
}

// ClientAuth defines the key material needed to verify client certificates
type ClientAuth struct {
	Type      string   `def:"noclientcert" help:"Policy the server will follow for TLS Client Authentication."`
	CertFiles []string `help:"A list of comma-separated PEM-encoded trusted certificate files (e.g. root1.pem,root2.pem)"`
}

// UnmarshalConfig unmarshals a configuration file
func UnmarshalConfig(cfg *Config, vp *viper.Viper, configFile string) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}

	err = vp.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}
	cfg.Server.TLS.ClientAuth.CertFiles = util.NormalizeStringSlice(cfg.Server.TLS.ClientAuth.CertFiles)
	cfg.Client.TLS.CertFiles = util.NormalizeStringSlice(cfg.Client.TLS.CertFiles)
	return nil
}

// MakeAbs makes every file and directory in the configuration absolute
// relative to dir
func (c *Config) MakeAbs(dir string) error {
	files := []*string{
		&c.WorkDir,
		&c.TrustDir,
		&c.Store.Dir,
		&c.Remote.KnownHosts,
		&c.Remote.IdentityFile,
	}
	if err := util.MakeFileNamesAbsolute(files, dir); err != nil {
		return err
	}
	if err := AbsTLSServer(&c.Server.TLS, dir); err != nil {
		return err
	}
	return AbsTLSClient(&c.Client.TLS, dir)
}

// Validate checks values that would otherwise only fail midway through a run
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Dir) == "" {
		return errors.New("The store directory is not set")
	}
	if c.WorkDir == "" {
		return errors.New("The work directory is not set")
	}
	if c.Leaf.ValidityDays < 0 {
		return errors.Errorf("Invalid leaf validity of %d days", c.Leaf.ValidityDays)
	}
	if c.Leaf.KeyBits != 0 && c.Leaf.KeyBits < 2048 {
		return errors.Errorf("Leaf key size %d is less than 2048 bits", c.Leaf.KeyBits)
	}
	if c.CSR.Country != "" && len(c.CSR.Country) != 2 {
		return errors.Errorf("The country '%s' must be a two letter code", c.CSR.Country)
	}
	if c.Server.AuthUser != "" && c.Server.AuthHash == "" {
		return errors.New("server.authhash is required when server.authuser is set")
	}
	return nil
}

// PassphraseFromEnv returns the root key passphrase from the environment,
// if set
func PassphraseFromEnv(envVar string) []byte {
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return nil
	}
	return []byte(v)
}

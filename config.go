package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/hostca/config"
	"github.com/rkcloudchain/hostca/metadata"
	"github.com/rkcloudchain/hostca/util"
)

const (
	cmdName      = "hostca"
	longName     = "Host certificate authority for LDAP, mail and web services"
	envVarPrefix = "HOSTCA"
	// Environment variable holding the root key passphrase
	passphraseEnv = "HOSTCA_PASSPHRASE"
)

const (
	defaultCfgTemplate = `# Version of config file
version: <<<VERSION>>>

# Logging level (info, warning, debug, error, fatal, critical)
loglevel: info

# Directory where keys, CSRs and certificates are written before delivery.
# Signed pairs are removed from here once they have been transferred.
workdir: work

# Directory holding the installed certificates that the final report
# prints fingerprints for (e.g. /etc/ssl/certs)
trustdir:

#############################################################################
#  The store section locates the CA store: the index ledger, the serial
#  counter, the root key and certificate and copies of every issued
#  certificate. The store is single-writer; do not run two hostca
#  processes against it.
#############################################################################
store:
  dir: ca
  # Hex serial given to the first issued certificate
  firstserial: "01"

#############################################################################
#  Root CA subject and ownership of the root key
#############################################################################
ca:
  cn: <<<CANAME>>>
  keyowner:
  keygroup:

#############################################################################
#  Distinguished name defaults for the root and every issued certificate.
#  The contact email defaults to hostmaster@<domain of the common name>.
#############################################################################
csr:
  organization:
  country:
  state:
  city:
  email:

leaf:
  # Validity of issued certificates in days (capped at the root's expiry)
  validitydays: 3650
  keybits: 2048

#############################################################################
#  The remote section is the host signed pairs are delivered to over SSH.
#  The remote host key must be listed in the known_hosts file.
#############################################################################
remote:
  host:
  principal:
  port: 22
  dir:
  knownhosts:
  identityfile:
  useagent: true
  # Connection timeout; 0 waits as long as the network does
  timeout: 0s

#############################################################################
#  Optional SQL mirror of the issuance journal.
#  Supported types are: "postgres", and "mysql".
#  The datasource value depends on the type.
#############################################################################
journal:
  type:
  datasource:

#############################################################################
#  Inspection server used by "hostca serve"
#
#  authhash is a bcrypt hash of the password for authuser.
#
#  The following types are supported for client authentication: NoClientCert,
#  RequestClientCert, RequireAnyClientCert, VerifyClientCertIfGiven,
#  and RequireAndVerifyClientCert.
#############################################################################
server:
  address: 127.0.0.1
  port: 8090
  authuser:
  authhash:
  tls:
    enabled: false
    certfile:
    keyfile:
    clientauth:
      type: noclientcert
      certfiles:

#############################################################################
#  Client settings used by "hostca status" to query an inspection server
#############################################################################
client:
  url: http://127.0.0.1:8090
  user:
  tls:
    enabled: false
    certfiles:
    client:
      certfile:
      keyfile:
`
)

var (
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"
)

// Initialize config
func (s *HostCACmd) configInit() (err error) {
	if !s.configRequired() {
		return nil
	}

	s.cfgFileName, s.homeDirectory, err = validateAndReturnAbsConf(s.cfgFileName, s.homeDirectory, cmdName)
	if err != nil {
		return err
	}

	s.v.AutomaticEnv()
	logLevel := s.v.GetString("loglevel")
	setLogLevel(logLevel)

	log.Debugf("Home directory: %s", s.homeDirectory)

	if !util.FileExists(s.cfgFileName) {
		err = s.createDefaultConfigFile()
		if err != nil {
			return errors.WithMessage(err, "Failed to create default configuration file")
		}
		log.Infof("Created default configuration file at %s", s.cfgFileName)
	} else {
		log.Infof("Configuration file location: %s", s.cfgFileName)
	}

	err = config.UnmarshalConfig(s.cfg, s.v, s.cfgFileName)
	if err != nil {
		return err
	}
	if s.cfg.Debug {
		log.Level = log.LevelDebug
	} else if s.cfg.LogLevel != "" {
		setLogLevel(s.cfg.LogLevel)
	}

	return s.cfg.MakeAbs(s.homeDirectory)
}

func (s *HostCACmd) createDefaultConfigFile() error {
	caName := s.v.GetString("ca.cn")
	if caName == "" {
		caName = "hostca Root CA"
	}

	cfg := strings.Replace(defaultCfgTemplate, "<<<VERSION>>>", metadata.Version, 1)
	cfg = strings.Replace(cfg, "<<<CANAME>>>", caName, 1)
	cfgDir := filepath.Dir(s.cfgFileName)
	err := os.MkdirAll(cfgDir, 0755)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(s.cfgFileName, []byte(cfg), 0644)
}

func setLogLevel(logLevel string) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		log.Level = log.LevelInfo
	case "WARNING":
		log.Level = log.LevelWarning
	case "DEBUG":
		log.Level = log.LevelDebug
	case "ERROR":
		log.Level = log.LevelError
	case "CRITICAL":
		log.Level = log.LevelCritical
	case "FATAL":
		log.Level = log.LevelFatal
	default:
		log.Level = log.LevelInfo
	}
}

// checks to see that there are no conflicts between the configuration file path and home directory.
// If no conflicts, returns back the absolute path for the configuration file and home directory.
func validateAndReturnAbsConf(configFilePath, homeDir, cmdName string) (string, string, error) {
	var err error
	var homeDirSet bool
	var configFileSet bool

	defaultConfig := defaultConfigFile()
	if configFilePath == "" {
		configFilePath = defaultConfig
	} else {
		configFileSet = true
	}

	if homeDir == "" {
		homeDir = filepath.Dir(defaultConfig)
	} else {
		homeDirSet = true
	}

	homeDir, err = filepath.Abs(homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of config file")
	}
	homeDir = strings.TrimRight(homeDir, string(os.PathSeparator))

	if configFileSet && homeDirSet {
		log.Warning("Using both --config and --home CLI flags; --config will take precedence")
	}

	if configFileSet {
		configFilePath, err = filepath.Abs(configFilePath)
		if err != nil {
			return "", "", errors.Wrap(err, "Failed to get full path of configuration file")
		}
		return configFilePath, filepath.Dir(configFilePath), nil
	}

	configFile := filepath.Join(homeDir, filepath.Base(defaultConfig))
	return configFile, homeDir, nil
}

func defaultConfigFile() string {
	fname := fmt.Sprintf("%s-config.yaml", cmdName)
	home := "."
	envs := []string{"HOSTCA_HOME", "CA_CFG_PATH"}
	for _, env := range envs {
		envVal := os.Getenv(env)
		if envVal != "" {
			home = envVal
			break
		}
	}
	return filepath.Join(home, fname)
}

package config

// ClientConfig is the configuration used to query a running inspection
// server
type ClientConfig struct {
	URL      string `def:"http://127.0.0.1:8090" help:"URL of the inspection server"`
	User     string `help:"User name sent to the inspection server"`
	Password string `hide:"true" help:"Password sent to the inspection server"`
	TLS      ClientTLSConfig
}

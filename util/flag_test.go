package util_test

import (
	"testing"
	"time"

	"github.com/rkcloudchain/hostca/util"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type S struct {
	Timeout    time.Duration     `def:"30s" help:"Timeout"`
	CertFiles  []string          `help:"Certificate files"`
	Dir        string            `def:"ca" help:"Store directory"`
	Port       int               `def:"22" help:"Port"`
	Remote     T                 `help:"Remote description"`
	Serials    []int             `help:"Serials"`
	Labels     map[string]string `skip:"true"`
	RemotePtr  *T                `help:"Remote PTR description"`
	Interface  interface{}       `skip:"true"`
	unExported string
}

type T struct {
	Host string `help:"Host description"`
	Port int    `skip:"true"`
	Auth *R
}

type R struct {
	UseAgent bool   `def:"true" help:"Use agent"`
	Password string `hide:"true" help:"Password"`
}

func TestRegisterFlags(t *testing.T) {
	tags := map[string]string{
		"help.remote.port": "This is an int field",
	}
	err := util.RegisterFlags(viper.New(), &pflag.FlagSet{}, &S{}, tags)
	assert.NoError(t, err)
	err = util.RegisterFlags(viper.New(), &pflag.FlagSet{}, &R{}, tags)
	assert.NoError(t, err)
}

func TestRegisterFlagsDefaults(t *testing.T) {
	v := viper.New()
	flags := &pflag.FlagSet{}
	require.NoError(t, util.RegisterFlags(v, flags, &S{}, nil))

	f := flags.Lookup("dir")
	require.NotNil(t, f)
	assert.Equal(t, "ca", f.DefValue)
	assert.Equal(t, "ca", v.GetString("dir"))

	assert.NotNil(t, flags.Lookup("remote.host"))
	assert.Nil(t, flags.Lookup("remote.port"))
	assert.NotNil(t, flags.Lookup("remote.auth.useagent"))
	assert.Nil(t, flags.Lookup("labels"))

	require.NoError(t, flags.Parse([]string{"--port", "2222"}))
	assert.Equal(t, 2222, v.GetInt("port"))
}

func TestParseObj(t *testing.T) {
	err := util.ParseObject(&S{}, func(*util.Field) error { return nil }, nil)
	assert.NoError(t, err)
	err = util.ParseObject(&S{}, nil, nil)
	assert.Error(t, err)
}

func TestRegisterFlagsHiddenSubtree(t *testing.T) {
	type secret struct {
		Token string `help:"Token"`
		Hint  string
	}
	type cfg struct {
		Name   string `help:"Name"`
		Secret secret `hide:"true"`
	}

	flags := &pflag.FlagSet{}
	require.NoError(t, util.RegisterFlags(viper.New(), flags, &cfg{}, nil))
	assert.False(t, flags.Lookup("name").Hidden)
	assert.True(t, flags.Lookup("secret.token").Hidden)
	// hidden fields may omit their help text
	assert.True(t, flags.Lookup("secret.hint").Hidden)
}

func TestRegisterFlagsErrors(t *testing.T) {
	type noHelp struct {
		Host string
	}
	err := util.RegisterFlags(viper.New(), &pflag.FlagSet{}, &noHelp{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a help tag: host")

	// the tags map supplies what the struct lacks
	err = util.RegisterFlags(viper.New(), &pflag.FlagSet{}, &noHelp{}, map[string]string{"help.host": "Host"})
	assert.NoError(t, err)

	type badDefault struct {
		Retries int `def:"many" help:"Retries"`
	}
	err = util.RegisterFlags(viper.New(), &pflag.FlagSet{}, &badDefault{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid 'def' tag of retries field")
	assert.Contains(t, err.Error(), "cannot parse 'many'")
}

package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo("hostca")
	assert.Contains(t, info, "hostca:")
	assert.Contains(t, info, "Version: "+Version)

	saved := Version
	defer func() { Version = saved }()
	Version = ""
	assert.Equal(t, "development build", GetVersion())
}

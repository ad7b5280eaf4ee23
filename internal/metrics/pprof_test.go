package metrics

import (
	"testing"

	"tokenpulse/internal/config"

	"github.com/grafana/pyroscope-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitPProf_Disabled(t *testing.T) {
	p, err := InitPProf(nil, "i-1", nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = InitPProf(nil, "i-1", &config.PyroscopeConfig{Enabled: false, ServerAddr: "http://localhost:4040"})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestInitPProf_Validation(t *testing.T) {
	_, err := InitPProf(nil, "i-1", &config.PyroscopeConfig{Enabled: true})
	assert.Error(t, err)

	_, err = InitPProf(nil, "i-1", &config.PyroscopeConfig{Enabled: true, ServerAddr: "http://localhost:4040", ProfileTypes: []string{"heap"}})
	assert.ErrorContains(t, err, "heap")
}

func TestProfileTypes(t *testing.T) {
	types, err := profileTypes(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultProfileTypes, types)

	types, err = profileTypes([]string{"cpu", "goroutines"})
	require.NoError(t, err)
	assert.Equal(t, []pyroscope.ProfileType{pyroscope.ProfileCPU, pyroscope.ProfileGoroutines}, types)
}

func TestProfileTags(t *testing.T) {
	tags := profileTags("i-1", map[string]string{"env": "prod", "region": "eu"})
	assert.Equal(t, map[string]string{"env": "prod", "instance": "i-1", "region": "eu"}, tags)
}

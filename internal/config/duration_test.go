package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_YAML(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1m30s\n"), &v))
	assert.Equal(t, 90*time.Second, v.D.D())

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}

func TestDuration_YAMLInvalid(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}
	err := yaml.Unmarshal([]byte("d: later\n"), &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestDuration_JSON(t *testing.T) {
	out, err := json.Marshal(Duration(3 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"3ms"`, string(out))
}

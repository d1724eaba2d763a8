package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, flags{configDir: "."}, f)

	f, err = parseFlags([]string{"--config-dir", "/etc/ubilocation", "--demo", "--query", "topic=x", "--log-level=debug"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/ubilocation", f.configDir)
	assert.True(t, f.demo)
	assert.False(t, f.generator)
	assert.Equal(t, "topic=x", f.query)
	assert.Equal(t, "debug", f.logLevel)

	_, err = parseFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)

	_, err = parseFlags([]string{"--nope"})
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/roomcast/internal/auth"
	"github.com/adred-codev/roomcast/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv("AUTH_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := tokenCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "alice", "--ttl", "1m"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.NewJWTManager("cli-secret", time.Minute).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	cmd := tokenCmd()
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}

func TestVersionCommandShort(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestTokenCommandRefusesDefaultSecretInProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("AUTH_SECRET", config.DefaultAuthSecret)

	cmd := tokenCmd()
	cmd.SetArgs([]string{"--user", "alice"})
	assert.Error(t, cmd.Execute())
}

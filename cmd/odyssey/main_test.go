package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	_ "github.com/odyssey-erp/odyssey-access/testing"
)

func TestMainReturnsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	assert.True(t, app.InTestMode())
	assert.NotPanics(t, main)
}

func TestRunReturnsStartupErrors(t *testing.T) {
	t.Setenv("IMPERSONATION_TTL", "0s")

	err := run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

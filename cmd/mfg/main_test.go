package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-mfg/internal/app"
	"github.com/odyssey-erp/odyssey-mfg/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.Equal(t, "1", os.Getenv(guard.Env))
	require.True(t, app.InTestMode())
	main()
}

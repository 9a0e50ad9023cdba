// internal/app/server_test.go
package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRefusesEmptyWebhookSecret(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "")

	srv := NewServer()
	err := srv.Start()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}

package main

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicSessionSource_AuthHeader(t *testing.T) {
	t.Parallel()

	s := &basicSessionSource{username: "alice@example.com", password: "hunter2"}

	header, err := s.AuthHeader(context.Background())
	require.NoError(t, err)

	assert.True(t, len(header) > len("Basic "))
	assert.Equal(t, "Basic ", header[:len("Basic ")])

	decoded, err := base64.StdEncoding.DecodeString(header[len("Basic "):])
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com:hunter2", string(decoded))
}

func TestBasicSessionSource_OnSessionExpired(t *testing.T) {
	t.Parallel()

	s := &basicSessionSource{username: "alice@example.com", password: "hunter2"}

	err := s.OnSessionExpired(context.Background())
	assert.ErrorContains(t, err, "alice@example.com")
}

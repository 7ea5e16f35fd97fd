package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("root:pw@tcp(127.0.0.1:3306)/im?charset=utf8mb4")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "tcp(127.0.0.1:3306)/im")
}

func TestNormalizeDSNInvalid(t *testing.T) {
	_, err := NormalizeDSN("root:pw@tcp(127.0.0.1:3306")
	require.Error(t, err)
}

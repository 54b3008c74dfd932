package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "orchestrator",
		Password: "secret",
		Database: "listings",
		SSLMode:  "disable",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=orchestrator password=secret dbname=listings sslmode=disable",
		cfg.DSN(),
	)
}

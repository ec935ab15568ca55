package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerDefaults(t *testing.T) {
	logger, err := InitLogger("", "")
	require.NoError(t, err)
	require.NotNil(t, logger)

	// the package-level logger follows the last init
	assert.Equal(t, logger, Logger)
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := InitLogger("logfmt", "chatty")
	assert.Error(t, err)
}

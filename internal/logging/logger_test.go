package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/logging"
)

func TestNew(t *testing.T) {
	logger, err := logging.New("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.V(logging.DEBUG).Enabled())
	logging.Sync(logger)

	logger, err = logging.New("info", false)
	require.NoError(t, err)
	assert.False(t, logger.V(logging.DEBUG).Enabled())

	_, err = logging.New("loud", false)
	assert.Error(t, err)
}

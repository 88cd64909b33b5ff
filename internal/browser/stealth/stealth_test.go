package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEvasionsScript(t *testing.T) {
	require.NotEmpty(t, EvasionsJS, "embedded evasion script must be present")

	// The script must at minimum neutralize the webdriver flag, since that
	// is the single most common automation check.
	assert.Contains(t, EvasionsJS, "webdriver")
	assert.Contains(t, EvasionsJS, "navigator")
	assert.True(t, strings.Contains(EvasionsJS, "'use strict'"))
}

func TestApplyReturnsAction(t *testing.T) {
	assert.NotNil(t, Apply(zap.NewNop()))
	assert.NotNil(t, Apply(nil), "a nil logger must be tolerated")
}

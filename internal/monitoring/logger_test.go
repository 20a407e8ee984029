package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetOutput(nil)
	}()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op and must not panic
	SetLogger(nil)
	Logf("test message")
}

func TestConfigure(t *testing.T) {
	defer func() {
		_ = Configure("info", "text")
	}()

	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, Logger().GetLevel())

	WithSession("sess-1").Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sess-1", line["session_id"])
	assert.Equal(t, "hello", line["msg"])
}

func TestConfigure_Invalid(t *testing.T) {
	assert.Error(t, Configure("loud", "text"))
	assert.Error(t, Configure("info", "xml"))
}

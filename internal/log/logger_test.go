package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpni/internal/config"
)

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewFileAppenderRequiresFilename(t *testing.T) {
	_, err := New(config.LogConfig{
		Level: "info",
		File:  config.FileAppenderConfig{Enabled: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filename")
}

func TestNewWithFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpni.log")
	l, err := New(config.LogConfig{
		Level: "debug",
		File: config.FileAppenderConfig{
			Enabled:    true,
			Filename:   path,
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
		},
	})
	require.NoError(t, err)
	assert.True(t, l.IsDebugEnabled())

	l.WithField("device", "ni0").Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "device=ni0")
}

func TestFormatterPattern(t *testing.T) {
	f := &formatter{pattern: "%level|%msg|%field|%pid", time: time.RFC3339}
	entry := logrus.NewEntry(logrus.New()).WithFields(logrus.Fields{"b": 2, "a": "x"})
	entry.Level = logrus.WarnLevel
	entry.Message = "queue locked"

	out, err := f.Format(entry)
	require.NoError(t, err)

	parts := strings.Split(string(out), "|")
	require.Len(t, parts, 4)
	assert.Equal(t, "warning", parts[0])
	assert.Equal(t, "queue locked", parts[1])
	assert.Equal(t, "a=x,b=2", parts[2])
	assert.NotEmpty(t, parts[3])
}

func TestMultiWriterFansOut(t *testing.T) {
	var a, b bytes.Buffer
	w := NewMultiWriter().Add(&a).Add(&b)

	n, err := w.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "frame", a.String())
	assert.Equal(t, "frame", b.String())
}

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

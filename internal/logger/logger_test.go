package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetup_TextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "warn", "text")
	t.Cleanup(func() { Setup(os.Stdout, "info", "json") })

	L.Info("hidden")
	L.Warn("shown", "key", "value")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "msg=shown")
	require.Contains(t, out, "key=value")
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "debug", "json")
	t.Cleanup(func() { Setup(os.Stdout, "info", "json") })

	L.Debug("chunk skipped", "line", "data: {")
	require.Contains(t, buf.String(), `"msg":"chunk skipped"`)
}

package logging

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
		SetVerbose("")
	})
	return &buf
}

func TestSetVerbose(t *testing.T) {
	t.Cleanup(func() { SetVerbose("") })

	SetVerbose("")
	assert.False(t, IsVerbose("memstore", "Add"))

	SetVerbose("false")
	assert.False(t, IsVerbose("memstore", ""))

	for _, all := range []string{"1", "true", "all"} {
		SetVerbose(all)
		assert.True(t, IsVerbose("anything", "Method"), all)
	}

	SetVerbose("memstore, loader.fetch")
	assert.True(t, IsVerbose("memstore", "Add"))
	assert.True(t, IsVerbose("memstore", ""))
	assert.True(t, IsVerbose("loader", "fetch"))
	assert.False(t, IsVerbose("loader", "Request"))
	assert.False(t, IsVerbose("session", "Login"))
}

func TestDebugMethodFiltered(t *testing.T) {
	buf := captureLog(t)

	SetVerbose("loader")
	DebugMethod("loader", "fetch", "relay %s", "wss://a")
	DebugMethod("memstore", "Add", "hidden")

	require.Equal(t, "[DEBUG] loader.fetch: relay wss://a\n", buf.String())
}

func TestLoggerPrefixesModule(t *testing.T) {
	buf := captureLog(t)

	l := For("relaypool")
	assert.Equal(t, "relaypool", l.Module())
	l.Warn("publish to %s failed", "wss://b")
	l.Debug("Send", "not shown")

	require.Equal(t, "[WARN] [relaypool] publish to wss://b failed\n", buf.String())
}

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/internal/testutils"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	fname := filepath.Join(testutils.TempTestDir(t, "mdcfg"), "mdclient.conf")
	assert.NilErr(t, os.WriteFile(fname, []byte(content), 0o600))
	return fname
}

// TestLoadConfig asserts options are loaded from the sections of the config
// file.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	root := testutils.TempTestDir(t, "mdroot")
	fname := writeTestConfig(t, `
server = ws://127.0.0.1:9999/ws
root = `+root+`
reconnectdelay = 1d
printqrcodes = false
proxyaddr = 127.0.0.1:9050
torisolation = 1

[log]
debuglevel = debug,CONN=trace
maxlogfiles = 3

[store]
maxmessages = 50
flushdelay = 1m
msgroot = `+filepath.Join(root, "other")+`

[names]
batchsize = 10

[metrics]
listenprometheus = 127.0.0.1:9100
`)

	cfg, err := loadConfig([]string{"-cfg", fname}, io.Discard)
	assert.NilErr(t, err)
	assert.DeepEqual(t, cfg.ServerURL, "ws://127.0.0.1:9999/ws")
	assert.DeepEqual(t, cfg.RootDir, root)
	assert.DeepEqual(t, cfg.ReconnectDelay, 24*time.Hour)
	assert.BoolIs(t, cfg.PrintQRCodes, false)
	assert.DeepEqual(t, cfg.DebugLevel, "debug,CONN=trace")
	assert.DeepEqual(t, cfg.MaxLogFiles, 3)
	assert.DeepEqual(t, cfg.MaxMessages, 50)
	assert.DeepEqual(t, cfg.FlushDelay, time.Minute)
	assert.DeepEqual(t, cfg.NameQuietPeriod, 2*time.Second)
	assert.DeepEqual(t, cfg.NameBatchSize, 10)
	assert.DeepEqual(t, cfg.ListenPrometheus, "127.0.0.1:9100")
	assert.BoolIs(t, cfg.dialFunc != nil, true)

	// Paths not set are derived from the root.
	assert.DeepEqual(t, cfg.MsgRoot, filepath.Join(root, "other"))
	assert.DeepEqual(t, cfg.KeyStoreDir, filepath.Join(root, "keystore"))
	assert.DeepEqual(t, cfg.LogFile, filepath.Join(root, "logs", "mdclient.log"))
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{{
		name:    "bad duration",
		content: "[store]\nflushdelay = soon\n",
	}, {
		name:    "negative duration",
		content: "reconnectdelay = -5s\n",
	}, {
		name:    "negative max messages",
		content: "[store]\nmaxmessages = -1\n",
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fname := writeTestConfig(t, tc.content)
			_, err := loadConfig([]string{"-cfg", fname}, io.Discard)
			assert.NonNilErr(t, err)
		})
	}
}

// TestLoadConfigMissingFile asserts an explicitly requested config file must
// exist.
func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	fname := filepath.Join(testutils.TempTestDir(t, "mdcfg"), "none.conf")
	_, err := loadConfig([]string{"-cfg", fname}, io.Discard)
	assert.BoolIs(t, os.IsNotExist(err), true)
}

func TestLoadConfigVersion(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	_, err := loadConfig([]string{"-version"}, &out)
	assert.ErrorIs(t, err, errCmdDone)
	assert.BoolIs(t, strings.Contains(out.String(), version), true)
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/companyzero/mdlink/client"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/internal/assert"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"multi\nline   text", 0, "multi line text"},
		{"olá mundo", 6, "olá..."},
		{"abcdef", 2, "ab"},
	}
	for _, tc := range tests {
		assert.DeepEqual(t, truncate(tc.s, tc.max), tc.want)
	}
}

// TestPrinterHistorySync asserts the summary lists the changed conversations
// in the order they were first changed and resets afterwards.
func TestPrinterHistorySync(t *testing.T) {
	t.Parallel()

	convs := map[string]clientintf.Conversation{
		"1@s.whatsapp.net": {ID: "1@s.whatsapp.net", Name: "Alice", LastPreview: "hi"},
		"2@g.us":           {ID: "2@g.us", Name: "Team", IsGroup: true, LastPreview: "meeting"},
		"3@s.whatsapp.net": {ID: "3@s.whatsapp.net", Name: "Bob", LastPreview: "bye"},
	}
	lookup := func(id string) (clientintf.Conversation, bool) {
		conv, ok := convs[id]
		return conv, ok
	}

	var out bytes.Buffer
	p := newPrinter(&config{SummaryMaxConvs: 2, SummaryMaxLength: 20}, &out)
	p.conversationsChanged([]string{"2@g.us", "1@s.whatsapp.net"})
	p.conversationsChanged([]string{"1@s.whatsapp.net", "3@s.whatsapp.net"})
	p.historySync(client.HistorySyncSummary{SyncType: "RECENT", Added: 3}, lookup)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.DeepEqual(t, len(lines), 4)
	assert.BoolIs(t, strings.Contains(lines[0], "3 new messages"), true)
	assert.BoolIs(t, strings.Contains(lines[1], "# Team"), true)
	assert.BoolIs(t, strings.Contains(lines[2], "Alice"), true)
	assert.BoolIs(t, strings.Contains(lines[3], "1 more"), true)

	out.Reset()
	p.historySync(client.HistorySyncSummary{SyncType: "RECENT"}, lookup)
	lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.DeepEqual(t, len(lines), 1)
}

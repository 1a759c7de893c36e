package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/companyzero/mdlink/client"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/jid"
	"github.com/skip2/go-qrcode"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// printer writes the user facing output of the app.
type printer struct {
	cfg *config

	mtx sync.Mutex
	out io.Writer

	// changed tracks the conversations changed since the last summary, in
	// the order they were first changed.
	changed *orderedmap.OrderedMap[string, struct{}]
}

func newPrinter(cfg *config, out io.Writer) *printer {
	return &printer{
		cfg:     cfg,
		out:     out,
		changed: orderedmap.New[string, struct{}](),
	}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mtx.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.mtx.Unlock()
}

// qrCode renders the given pairing code. When rendering is disabled or fails,
// the raw code is printed.
func (p *printer) qrCode(code string) {
	var s string
	if p.cfg.PrintQRCodes {
		qr, err := qrcode.New(code, qrcode.Low)
		if err == nil {
			s = qr.ToSmallString(false)
		}
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	fmt.Fprintf(p.out, "Scan the following code with the primary device to "+
		"link this device:\n")
	if s != "" {
		fmt.Fprint(p.out, s)
	}
	fmt.Fprintf(p.out, "%s\n", code)
}

func (p *printer) pairSuccess(id jid.JID, platform string) {
	p.printf("Linked as %s (primary device platform: %s)\n", id, platform)
}

func (p *printer) conversationsChanged(ids []string) {
	p.mtx.Lock()
	for _, id := range ids {
		p.changed.Set(id, struct{}{})
	}
	p.mtx.Unlock()
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// historySync prints the summary of a merged history sync batch followed by
// the conversations that changed since the previous summary.
func (p *printer) historySync(summary client.HistorySyncSummary,
	lookup func(id string) (clientintf.Conversation, bool)) {

	p.mtx.Lock()
	defer p.mtx.Unlock()

	fmt.Fprintf(p.out, "History sync %s (chunk %d, %d%%): %d conversations, "+
		"%d new messages, %d duplicates, %d skipped\n", summary.SyncType,
		summary.ChunkOrder, summary.Progress, summary.Conversations,
		summary.Added, summary.Duplicates, summary.Skipped)

	var n int
	for pair := p.changed.Oldest(); pair != nil; pair = pair.Next() {
		if n >= p.cfg.SummaryMaxConvs {
			fmt.Fprintf(p.out, "  ... and %d more\n", p.changed.Len()-n)
			break
		}
		conv, ok := lookup(pair.Key)
		if !ok {
			continue
		}
		n++
		kind := ' '
		if conv.IsGroup {
			kind = '#'
		}
		fmt.Fprintf(p.out, "  %c %-24s %-12s %s\n", kind,
			truncate(conv.Name, 24), conv.LastActivityLabel,
			truncate(conv.LastPreview, p.cfg.SummaryMaxLength))
	}
	p.changed = orderedmap.New[string, struct{}]()
}

func (p *printer) syncStatus(status string) {
	if status == "" {
		return
	}
	p.printf("%s %s\n", time.Now().Format("15:04:05"), status)
}

func (p *printer) connState(old, new client.ConnState) {
	p.printf("%s Connection %s\n", time.Now().Format("15:04:05"), new)
}

package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/internal/lowlevel"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
)

// runEvents consumes the events of the connection orchestrator. Events are
// handled one at a time, in the order they were received.
func (c *Client) runEvents(ctx context.Context) error {
	events := c.o.Events()
	for {
		select {
		case ev := <-events:
			c.handleEvent(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev lowlevel.Event) {
	switch ev := ev.(type) {
	case *lowlevel.SessionReadyEvent:
		c.log.Infof("Session ready as %s", ev.ID)
		c.ntfns.notifySessionReady(ev.ID)
		c.checkPreKeys()

	case *lowlevel.QRCodeEvent:
		c.log.Infof("Received %d pairing codes", len(ev.Codes))
		c.ntfns.notifyQRCodes(ev.Codes)

	case *lowlevel.PairSuccessEvent:
		c.log.Infof("Paired as %s (%s)", ev.ID, ev.Platform)
		c.ntfns.notifyPairSuccess(ev.ID, ev.Platform)

	case *lowlevel.ErrorEvent:
		c.reportError(ev.Err)

	case *lowlevel.NodeEvent:
		c.handleNode(ctx, &ev.Node)
	}
}

func (c *Client) reportError(err error) {
	if errors.Is(err, ProtocolError{}) {
		c.stats.protocolErrors.Inc()
	}
	c.log.Warnf("%v", err)
	c.ntfns.notifyError(err)
}

// checkPreKeys reports when the pre-keys available to peers are running low.
func (c *Client) checkPreKeys() {
	err := c.cfg.KeyStore.CheckPreKeys(c.cfg.MinPreKeys)
	if errors.Is(err, keystore.ErrPreKeysExhausted) {
		c.reportError(err)
	} else if err != nil {
		c.log.Warnf("Unable to check pre-keys: %v", err)
	}
}

func (c *Client) handleNode(ctx context.Context, n *binnode.Node) {
	switch n.Tag {
	case "message":
		c.handleMessage(ctx, n)
	default:
		if c.log.Level() <= slog.LevelTrace {
			c.log.Tracef("Ignoring node %s", spew.Sdump(n))
		} else {
			c.log.Debugf("Ignoring <%s> node", n.Tag)
		}
	}
}

// handleMessage decodes a message node and applies its content to the model.
// Nodes that fail to decode are reported and skipped. Every message with a
// valid id and sender is acked, decodable or not.
func (c *Client) handleMessage(ctx context.Context, n *binnode.Node) {
	info, err := c.messageInfo(n)
	if err != nil {
		c.reportError(ProtocolError{Tag: n.Tag, Err: err})
		return
	}
	defer c.ack(ctx, n)

	env, err := c.decodeEnvelope(ctx, n, &info)
	if errors.Is(err, DecryptError{}) {
		c.reportError(err)
		return
	} else if err != nil {
		c.reportError(ProtocolError{Tag: n.Tag,
			Err: fmt.Errorf("message %s: %w", info.ID, err)})
		return
	}

	if env.HistorySync != nil {
		c.applyHistorySync(env.HistorySync)
	}
	if env.Message != nil {
		c.applyLiveMessage(&clientintf.LiveMessage{Info: info, Message: env.Message})
	}
}

func (c *Client) ack(ctx context.Context, n *binnode.Node) {
	if err := c.o.SendNode(ctx, ackNode(n)); err != nil {
		c.log.Debugf("Unable to ack message %s: %v", n.AttrString("id"), err)
	}
}

func (c *Client) applyHistorySync(hs *clientintf.HistorySync) {
	res := c.engine.ApplyHistorySync(hs)
	c.stats.historySyncMerged(res)
	c.ntfns.notifyHistorySync(HistorySyncSummary{
		SyncType:      hs.SyncType,
		ChunkOrder:    hs.ChunkOrder,
		Progress:      hs.Progress,
		Conversations: res.Conversations,
		Added:         res.Added,
		Duplicates:    res.Duplicates,
		Skipped:       res.Skipped,
	})
}

func (c *Client) applyLiveMessage(lm *clientintf.LiveMessage) {
	if c.engine.ApplyLiveMessage(lm) {
		c.stats.msgsAdded.WithLabelValues("live").Inc()
	}
}

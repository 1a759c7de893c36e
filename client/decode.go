package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
)

var (
	errMissingMessageID = errors.New("missing message id")
	errEmptyEnvelope    = errors.New("envelope without message or history sync")
	errNoCipher         = errors.New("no cipher configured")
)

// messageInfo extracts the metadata of an inbound message node.
func (c *Client) messageInfo(n *binnode.Node) (clientintf.MessageInfo, error) {
	var info clientintf.MessageInfo
	info.ID = n.AttrString("id")
	if info.ID == "" {
		return info, errMissingMessageID
	}

	from, err := n.AttrJID("from")
	if err != nil {
		return info, err
	}
	info.Chat = from.ToNonAD()
	info.Sender = from
	if from.IsGroup() || from.IsBroadcast() {
		info.IsGroup = from.IsGroup()
		info.Sender, err = n.AttrJID("participant")
		if err != nil {
			return info, fmt.Errorf("group message without sender: %w", err)
		}
	}

	if c.accts.isSelf(info.Sender) {
		info.IsFromMe = true
		if !info.IsGroup {
			// Messages sent by other devices of the account are
			// addressed to the recipient.
			if rcpt, err := n.AttrJID("recipient"); err == nil {
				info.Chat = rcpt.ToNonAD()
			}
		}
	}

	ts, err := n.AttrInt("t")
	if err != nil {
		return info, err
	}
	info.Timestamp = time.Unix(ts, 0)
	info.PushName = n.AttrString("notify")
	return info, nil
}

func unmarshalEnvelope(b []byte) (*clientintf.Envelope, error) {
	env := new(clientintf.Envelope)
	if err := json.Unmarshal(b, env); err != nil {
		return nil, fmt.Errorf("unable to decode envelope: %w", err)
	}
	if env.Message == nil && env.HistorySync == nil {
		return nil, errEmptyEnvelope
	}
	return env, nil
}

// decodeEnvelope returns the envelope carried by the message node, either in
// the clear or encrypted in one or more enc children. When more than one enc
// child exists, all are decrypted (in order) and the last envelope wins.
func (c *Client) decodeEnvelope(ctx context.Context, n *binnode.Node,
	info *clientintf.MessageInfo) (*clientintf.Envelope, error) {

	if pt, ok := n.GetOptionalChildByTag("plaintext"); ok {
		return unmarshalEnvelope(pt.ContentBytes())
	}

	encs := n.GetChildrenByTag("enc")
	if len(encs) == 0 {
		return nil, errNoEnvelope
	}
	if c.cfg.Cipher == nil {
		return nil, DecryptError{ID: info.ID, Sender: info.Sender.String(),
			Err: errNoCipher}
	}

	var env *clientintf.Envelope
	for i := range encs {
		encType := encs[i].AttrString("type")
		b, err := c.cfg.Cipher.Decrypt(ctx, info.Sender, encType,
			encs[i].ContentBytes())
		if err != nil {
			return nil, DecryptError{ID: info.ID,
				Sender: info.Sender.String(), Err: err}
		}
		if len(b) == 0 {
			// Key distribution only.
			continue
		}
		env, err = unmarshalEnvelope(b)
		if err != nil {
			return nil, err
		}
	}
	if env == nil {
		return nil, errEmptyEnvelope
	}
	return env, nil
}

// ackNode returns the ack of a processed message node.
func ackNode(n *binnode.Node) binnode.Node {
	attrs := binnode.Attrs{
		"class": n.Tag,
		"id":    n.AttrString("id"),
		"to":    n.AttrString("from"),
	}
	if p := n.AttrString("participant"); p != "" {
		attrs["participant"] = p
	}
	return binnode.Node{Tag: "ack", Attrs: attrs}
}

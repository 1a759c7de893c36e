package lowlevel

import (
	"context"
	"sync"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/jid"
)

// handleNode classifies an inbound node of the active session. It returns
// true when the node completed the login.
//
// This is called from the Run() goroutine, therefore sends are performed in
// new goroutines.
func (o *Orchestrator) handleNode(ctx context.Context, sess *session, n *binnode.Node, wg *sync.WaitGroup) bool {
	switch {
	case n.Tag == "success":
		o.handleSuccess(ctx, sess, n)
		return true

	case n.Tag == "ib":
		if _, ok := n.GetOptionalChildByTag("offline"); ok {
			if o.State() == StateSynchronizing {
				o.log.Infof("Offline backlog delivered")
				o.setState(StateLive)
			}
			return false
		}

	case n.Tag == "stream:error":
		o.handleStreamError(ctx, sess, n)
		return false

	case n.Tag == "failure":
		reason := n.AttrString("reason")
		o.log.Errorf("Server rejected login: %s", reason)
		sess.ended.Store(true)
		o.emit(ctx, &ErrorEvent{Err: LoginFailureError{Reason: reason}})
		go sess.RequestClose(errSessEnded)
		return false

	case isPing(n):
		o.log.Tracef("Replying to server ping")
		reply := iqResult(n, nil)
		go func() {
			if err := sess.send(ctx, reply); err != nil {
				o.log.Debugf("Unable to reply to ping: %v", err)
			}
		}()
		return false

	case n.Tag == "iq" && n.AttrString("type") == "set":
		if child, ok := n.GetOptionalChildByTag("pair-device"); ok {
			o.handlePairDevice(ctx, sess, n, &child)
			return false
		}
		if child, ok := n.GetOptionalChildByTag("pair-success"); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.handlePairSuccess(ctx, sess, n, &child)
			}()
			return false
		}
	}

	o.emit(ctx, &NodeEvent{Node: *n})
	return false
}

func (o *Orchestrator) handleSuccess(ctx context.Context, sess *session, n *binnode.Node) {
	sess.registered.Store(true)

	var id jid.JID
	acct, err := o.cfg.Accounts.LoadAccount(ctx)
	if err == nil && acct.Paired() {
		id = acct.ID
	} else if lid, err := n.AttrJID("lid"); err == nil {
		id = lid
	}

	o.log.Infof("Logged in to server as %s", id)
	o.setState(StateSynchronizing)
	o.emit(ctx, &SessionReadyEvent{ID: id})
}

func (o *Orchestrator) handleStreamError(ctx context.Context, sess *session, n *binnode.Node) {
	code := n.AttrString("code")
	switch code {
	case streamCodeRestart:
		if o.State() == StateReconnecting {
			o.log.Debugf("Ignoring repeated restart request")
			return
		}
		o.log.Infof("Server requested stream restart")
		o.setState(StateReconnecting)
		sess.restart.Store(true)
		go sess.RequestClose(errSessRestart)

	case streamCodeLoggedOut:
		o.log.Warnf("Device was logged out by the server")
		sess.ended.Store(true)
		o.emit(ctx, &ErrorEvent{Err: ErrLoggedOut})
		go sess.RequestClose(errSessEnded)

	default:
		text := n.AttrString("text")
		if text == "" {
			if children := n.GetChildren(); len(children) > 0 {
				text = children[0].Tag
			}
		}
		o.log.Warnf("Received stream error %s (%s)", code, text)
		o.emit(ctx, &ErrorEvent{Err: StreamError{Code: code, Text: text}})
	}
}

package lowlevel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
)

// sessNode is an inbound node of a specific session.
type sessNode struct {
	sess *session
	node binnode.Node
}

// session stores the state of a single connection to the server.
//
// It matches iq responses to their requests and forwards every other inbound
// node to the orchestrator. Errors on either direction cascade into closing
// the transport.
type session struct {
	id  uint64
	tr  clientintf.Transport
	log slog.Logger
	ids *idGenerator

	ctx                context.Context
	cancel             func()
	closeRequestedChan chan error

	sendMtx sync.Mutex

	pendingMtx sync.Mutex
	pending    map[string]chan binnode.Node

	// registered is set once the server accepted the login.
	registered atomic.Bool

	// restart and ended flag how the session should be handled once it
	// finishes running.
	restart atomic.Bool
	ended   atomic.Bool
}

func newSession(id uint64, tr clientintf.Transport, ids *idGenerator, log slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:                 id,
		tr:                 tr,
		log:                log,
		ids:                ids,
		ctx:                ctx,
		cancel:             cancel,
		closeRequestedChan: make(chan error),
		pending:            make(map[string]chan binnode.Node),
	}
}

// send sends a node to the server.
func (sess *session) send(ctx context.Context, n binnode.Node) error {
	if sess.log.Level() <= slog.LevelTrace {
		sess.log.Tracef("Sending node %s", spew.Sdump(n))
	}
	sess.sendMtx.Lock()
	defer sess.sendMtx.Unlock()
	select {
	case <-sess.ctx.Done():
		return errSessionExiting
	default:
	}
	return sess.tr.Send(ctx, n)
}

// sendIQ sends the iq node and waits for its response. An id is assigned to
// the node if it does not have one.
func (sess *session) sendIQ(ctx context.Context, n binnode.Node) (*binnode.Node, error) {
	if n.Attrs == nil {
		n.Attrs = binnode.Attrs{}
	}
	id := n.AttrString("id")
	if id == "" {
		id = sess.ids.next()
		n.Attrs["id"] = id
	}

	replyChan := make(chan binnode.Node, 1)
	sess.pendingMtx.Lock()
	sess.pending[id] = replyChan
	sess.pendingMtx.Unlock()
	defer func() {
		sess.pendingMtx.Lock()
		delete(sess.pending, id)
		sess.pendingMtx.Unlock()
	}()

	if err := sess.send(ctx, n); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyChan:
		if err := iqReplyError(&reply); err != nil {
			return &reply, err
		}
		return &reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sess.ctx.Done():
		return nil, errSessionExiting
	}
}

// deliverReply sends the node to the pending request with its id. It returns
// false if there is no such request.
func (sess *session) deliverReply(id string, n binnode.Node) bool {
	sess.pendingMtx.Lock()
	replyChan, ok := sess.pending[id]
	delete(sess.pending, id)
	sess.pendingMtx.Unlock()
	if ok {
		replyChan <- n
	}
	return ok
}

// RequestClose requests that this session be closed for the given reason.
func (sess *session) RequestClose(err error) {
	if err == nil {
		return
	}

	select {
	case sess.closeRequestedChan <- err:
	case <-sess.ctx.Done():
	}
}

func (sess *session) recvLoop(ctx context.Context, inbound chan<- sessNode) error {
	for {
		n, err := sess.tr.Receive(ctx)
		if err != nil {
			return err
		}
		if sess.log.Level() <= slog.LevelTrace {
			sess.log.Tracef("Received node %s", spew.Sdump(n))
		}

		if id, ok := isIQResponse(&n); ok && sess.deliverReply(id, n) {
			continue
		}

		select {
		case inbound <- sessNode{sess: sess, node: n}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run runs the session until the transport fails, a close is requested or
// the context is canceled.
func (sess *session) Run(ctx context.Context, inbound chan<- sessNode) error {
	g, gctx := errgroup.WithContext(ctx)

	// Close the transport once the session is done so that a blocked
	// Receive() returns.
	g.Go(func() error {
		<-gctx.Done()
		sess.cancel()
		if err := sess.tr.Close(); err != nil {
			sess.log.Debugf("Transport close error: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		err := sess.recvLoop(gctx, inbound)
		if err != nil && !errors.Is(err, context.Canceled) {
			sess.log.Debugf("recvLoop errored: %v", err)
			return err
		}
		sess.log.Tracef("recvLoop ending with err: %v", err)
		return nil
	})

	g.Go(func() error {
		select {
		case err := <-sess.closeRequestedChan:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	sess.log.Tracef("Finished running session with err %v", err)
	return err
}

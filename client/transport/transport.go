// Package transport is the default transport to the messaging server: a
// websocket connection carrying 3 byte length prefixed frames, secured by a
// Noise XX handshake in which the client authenticates with its noise key and
// sends its login payload.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/decred/slog"
	"github.com/flynn/noise"
	"github.com/gorilla/websocket"
)

var (
	// ErrHandshake is returned when the noise handshake fails.
	ErrHandshake = errors.New("noise handshake failed")

	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("transport closed")

	errNoSecureChannel = errors.New("secure channel not established")
)

// Prologue is the default noise prologue, bound into the handshake hash by
// both ends.
var Prologue = []byte("MDL\x01")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

const closeTimeout = time.Second

// Config is the configuration of the transport.
type Config struct {
	// URL is the websocket URL of the server.
	URL string

	// Header is sent in the websocket upgrade request.
	Header http.Header

	// TLSConfig is used for wss URLs.
	TLSConfig *tls.Config

	// Codec encodes nodes. Defaults to binnode.JSONCodec.
	Codec binnode.Codec

	// Prologue overrides the default noise prologue.
	Prologue []byte

	// ServerStatic, if set, is the expected static key of the server.
	ServerStatic []byte

	// DialFunc, if set, opens the underlying network connection (for
	// example, through a proxy).
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	Log slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Codec == nil {
		cfg.Codec = binnode.JSONCodec{}
	}
	if cfg.Prologue == nil {
		cfg.Prologue = Prologue
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	if cfg.DialFunc == nil {
		var d net.Dialer
		cfg.DialFunc = d.DialContext
	}
}

// Conn is an established connection to the server.
type Conn struct {
	cfg Config
	ws  *websocket.Conn
	log slog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	writeMtx sync.Mutex
	sendCS   *noise.CipherState

	readMtx sync.Mutex
	recvCS  *noise.CipherState
	fr      frameReader
}

// Dial opens the websocket connection to the server. The secure channel is
// not yet established.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.setDefaults()
	wsDialer := websocket.Dialer{
		NetDialContext:  cfg.DialFunc,
		TLSClientConfig: cfg.TLSConfig,
	}

	//nolint:bodyclose
	ws, _, err := wsDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, err
	}
	cfg.Log.Debugf("Connected to %s", cfg.URL)
	return &Conn{
		cfg:    cfg,
		ws:     ws,
		log:    cfg.Log,
		closed: make(chan struct{}),
	}, nil
}

// NewDialer returns a dialer of connections with the given config.
func NewDialer(cfg Config) clientintf.Dialer {
	return func(ctx context.Context) (clientintf.Transport, error) {
		return Dial(ctx, cfg)
	}
}

// watchCtx interrupts blocked reads or writes of the websocket when ctx is
// done. The returned func must be called once the operation completes.
func (c *Conn) watchCtx(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	setDeadline(time.Time{})
	return context.AfterFunc(ctx, func() {
		setDeadline(time.Now())
	})
}

func (c *Conn) writeFrame(ctx context.Context, payload []byte) error {
	frame, err := appendFrame(nil, payload)
	if err != nil {
		return err
	}
	stop := c.watchCtx(ctx, c.ws.SetWriteDeadline)
	defer stop()
	err = c.ws.WriteMessage(websocket.BinaryMessage, frame)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Conn) readFrame(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := c.fr.next(); ok {
			return frame, nil
		}

		stop := c.watchCtx(ctx, c.ws.SetReadDeadline)
		_, data, err := c.ws.ReadMessage()
		stop()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		c.fr.push(data)
	}
}

// EstablishSecureChannel performs the noise XX handshake as initiator,
// authenticating with noiseKey and sending payload in the final handshake
// message.
func (c *Conn) EstablishSecureChannel(ctx context.Context, noiseKey clientintf.KeyPair, payload []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	c.readMtx.Lock()
	defer c.readMtx.Unlock()

	if c.sendCS != nil {
		return fmt.Errorf("%w: already established", ErrHandshake)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeXX,
		Initiator:   true,
		Prologue:    c.cfg.Prologue,
		StaticKeypair: noise.DHKey{
			Private: append([]byte(nil), noiseKey.Priv[:]...),
			Public:  append([]byte(nil), noiseKey.Pub[:]...),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.writeFrame(ctx, msg); err != nil {
		return fmt.Errorf("%w: unable to send client hello: %v", ErrHandshake, err)
	}

	// <- e, ee, s, es
	msg, err = c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: unable to read server hello: %v", ErrHandshake, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return fmt.Errorf("%w: invalid server hello: %v", ErrHandshake, err)
	}
	if len(c.cfg.ServerStatic) > 0 && !bytes.Equal(hs.PeerStatic(), c.cfg.ServerStatic) {
		return fmt.Errorf("%w: unexpected server static key %x", ErrHandshake,
			hs.PeerStatic())
	}

	// -> s, se
	msg, sendCS, recvCS, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := c.writeFrame(ctx, msg); err != nil {
		return fmt.Errorf("%w: unable to send client finish: %v", ErrHandshake, err)
	}

	c.sendCS, c.recvCS = sendCS, recvCS
	c.log.Debugf("Noise handshake completed")
	return nil
}

// Send encodes, encrypts and sends the node.
func (c *Conn) Send(ctx context.Context, n binnode.Node) error {
	b, err := c.cfg.Codec.Marshal(n)
	if err != nil {
		return err
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	if c.sendCS == nil {
		return errNoSecureChannel
	}
	ct, err := c.sendCS.Encrypt(nil, nil, b)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, ct)
}

// Receive returns the next node sent by the server.
func (c *Conn) Receive(ctx context.Context) (binnode.Node, error) {
	c.readMtx.Lock()
	defer c.readMtx.Unlock()
	if c.recvCS == nil {
		return binnode.Node{}, errNoSecureChannel
	}
	ct, err := c.readFrame(ctx)
	if err != nil {
		return binnode.Node{}, err
	}
	b, err := c.recvCS.Decrypt(nil, nil, ct)
	if err != nil {
		return binnode.Node{}, fmt.Errorf("unable to decrypt frame: %w", err)
	}
	return c.cfg.Codec.Unmarshal(b)
}

// Close closes the connection. It is safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg,
			time.Now().Add(closeTimeout))
		err = c.ws.Close()
	})
	return err
}

var _ clientintf.Transport = (*Conn)(nil)

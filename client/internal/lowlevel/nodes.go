package lowlevel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/jid"
)

// Stream error codes handled by the orchestrator.
const (
	streamCodeRestart   = "515"
	streamCodeLoggedOut = "401"
)

// idGenerator generates unique request ids.
type idGenerator struct {
	prefix  string
	counter atomic.Uint64
}

func newIDGenerator() *idGenerator {
	var b [4]byte
	rand.Read(b[:])
	return &idGenerator{prefix: hex.EncodeToString(b[:]) + "."}
}

func (g *idGenerator) next() string {
	return g.prefix + strconv.FormatUint(g.counter.Add(1), 10)
}

// isIQResponse returns the id of an iq response node.
func isIQResponse(n *binnode.Node) (string, bool) {
	if n.Tag != "iq" {
		return "", false
	}
	switch n.AttrString("type") {
	case "result", "error":
		id := n.AttrString("id")
		return id, id != ""
	}
	return "", false
}

// iqReplyError returns the error of an iq reply of type error.
func iqReplyError(n *binnode.Node) error {
	if n.AttrString("type") != "error" {
		return nil
	}
	errNode := n.GetChildByTag("error")
	code, _ := errNode.AttrInt("code")
	return IQError{Code: int(code), Text: errNode.AttrString("text")}
}

func iqResult(req *binnode.Node, content any) binnode.Node {
	return binnode.Node{
		Tag: "iq",
		Attrs: binnode.Attrs{
			"to":   jid.ServerJID,
			"type": "result",
			"id":   req.AttrString("id"),
		},
		Content: content,
	}
}

func iqErrorReply(req *binnode.Node, code int, text string) binnode.Node {
	return binnode.Node{
		Tag: "iq",
		Attrs: binnode.Attrs{
			"to":   jid.ServerJID,
			"type": "error",
			"id":   req.AttrString("id"),
		},
		Content: []binnode.Node{{
			Tag:   "error",
			Attrs: binnode.Attrs{"code": strconv.Itoa(code), "text": text},
		}},
	}
}

// isPing returns true for server pings.
func isPing(n *binnode.Node) bool {
	if n.Tag != "iq" || n.AttrString("type") != "get" {
		return false
	}
	if n.AttrString("xmlns") == "urn:xmpp:ping" {
		return true
	}
	_, ok := n.GetOptionalChildByTag("ping")
	return ok
}

// loginPayload is sent to the server inside the secure channel handshake.
// Paired devices log in with their device address; unpaired devices send the
// registration material.
type loginPayload struct {
	Username string `json:"username,omitempty"`
	Device   uint16 `json:"device,omitempty"`
	Passive  bool   `json:"passive"`
	PushName string `json:"pushName,omitempty"`
	Platform string `json:"platform"`

	Registration *registrationPayload `json:"registration,omitempty"`
}

type registrationPayload struct {
	RegistrationID uint32 `json:"registrationId"`
	IdentityKey    []byte `json:"identityKey"`
	SigningKey     []byte `json:"signingKey"`
}

func makeLoginPayload(acct *keystore.Account) ([]byte, error) {
	lp := loginPayload{
		Passive:  true,
		PushName: acct.PushName,
		Platform: acct.Platform,
	}
	if acct.Paired() {
		lp.Username = acct.ID.User
		lp.Device = acct.ID.Device
	} else {
		lp.Registration = &registrationPayload{
			RegistrationID: acct.RegistrationID,
			IdentityKey:    acct.IdentityKey.Pub[:],
		}
		if len(acct.SigningKey) == ed25519.PrivateKeySize {
			lp.Registration.SigningKey = acct.SigningKey.Public().(ed25519.PublicKey)
		}
	}
	return json.Marshal(lp)
}

package client

import (
	"context"
	"errors"
	"testing"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/internal/testutils"
)

// mockIQSender replies to iq requests with a fixed reply.
type mockIQSender struct {
	reqs  []binnode.Node
	reply *binnode.Node
	err   error
}

func (m *mockIQSender) SendIQ(ctx context.Context, n binnode.Node) (*binnode.Node, error) {
	m.reqs = append(m.reqs, n)
	return m.reply, m.err
}

func usyncReply(users ...binnode.Node) *binnode.Node {
	return &binnode.Node{
		Tag:   "iq",
		Attrs: binnode.Attrs{"type": "result"},
		Content: []binnode.Node{{
			Tag:     "usync",
			Content: []binnode.Node{{Tag: "list", Content: users}},
		}},
	}
}

func TestUsyncRequest(t *testing.T) {
	t.Parallel()

	d := &usyncDirectory{}
	req := d.request([]string{"123:4@s.whatsapp.net", "456@c.us"},
		clientintf.FacetContact|clientintf.FacetDevices)
	assert.DeepEqual(t, req.Tag, "iq")
	assert.DeepEqual(t, req.AttrString("xmlns"), "usync")
	assert.DeepEqual(t, req.AttrString("type"), "get")

	usync := req.GetChildByTag("usync")
	assert.DeepEqual(t, usync.AttrString("sid"), "1")
	queryNode := usync.GetChildByTag("query")
	query := queryNode.GetChildren()
	assert.DeepEqual(t, len(query), 2)
	assert.DeepEqual(t, query[0].Tag, "contact")
	assert.DeepEqual(t, query[1].Tag, "devices")

	listNode := usync.GetChildByTag("list")
	users := listNode.GetChildrenByTag("user")
	assert.DeepEqual(t, len(users), 2)
	assert.DeepEqual(t, users[0].AttrString("jid"), "123@s.whatsapp.net")
	assert.DeepEqual(t, users[1].AttrString("jid"), "456@s.whatsapp.net")

	// Session ids are not reused.
	req = d.request(nil, clientintf.FacetContact)
	usync = req.GetChildByTag("usync")
	assert.DeepEqual(t, usync.AttrString("sid"), "2")
}

func TestParseUsyncUser(t *testing.T) {
	t.Parallel()

	user := binnode.Node{
		Tag:   "user",
		Attrs: binnode.Attrs{"jid": "123@s.whatsapp.net"},
		Content: []binnode.Node{{
			Tag:   "contact",
			Attrs: binnode.Attrs{"type": "in", "name": "Alice"},
		}, {
			Tag:   "lid",
			Attrs: binnode.Attrs{"val": "987@lid"},
		}, {
			Tag:     "status",
			Content: []byte("busy"),
		}, {
			Tag: "devices",
			Content: []binnode.Node{{
				Tag: "device-list",
				Content: []binnode.Node{
					{Tag: "device", Attrs: binnode.Attrs{"id": "0"}},
					{Tag: "device", Attrs: binnode.Attrs{"id": "7"}},
				},
			}},
		}},
	}
	res, err := parseUsyncUser(&user)
	assert.NilErr(t, err)
	assert.DeepEqual(t, res, clientintf.DirectoryResult{
		ID:        "123@s.whatsapp.net",
		OnNetwork: true,
		Name:      "Alice",
		Alias:     "987@lid",
		Status:    "busy",
		Devices:   []uint16{0, 7},
	})

	// Not on the network.
	user = binnode.Node{
		Tag:     "user",
		Attrs:   binnode.Attrs{"jid": "555@s.whatsapp.net"},
		Content: []binnode.Node{{Tag: "contact", Attrs: binnode.Attrs{"type": "out"}}},
	}
	res, err = parseUsyncUser(&user)
	assert.NilErr(t, err)
	assert.BoolIs(t, res.OnNetwork, false)

	// Invalid device id.
	user = binnode.Node{
		Tag:   "user",
		Attrs: binnode.Attrs{"jid": "555@s.whatsapp.net"},
		Content: []binnode.Node{{
			Tag: "devices",
			Content: []binnode.Node{{
				Tag:     "device-list",
				Content: []binnode.Node{{Tag: "device", Attrs: binnode.Attrs{"id": "x"}}},
			}},
		}},
	}
	_, err = parseUsyncUser(&user)
	assert.NonNilErr(t, err)
}

func TestQueryDirectory(t *testing.T) {
	t.Parallel()

	iq := &mockIQSender{reply: usyncReply(
		binnode.Node{Tag: "user", Attrs: binnode.Attrs{"jid": "1:x@s.whatsapp.net"}},
		binnode.Node{
			Tag:     "user",
			Attrs:   binnode.Attrs{"jid": "123@s.whatsapp.net"},
			Content: []binnode.Node{{Tag: "contact", Attrs: binnode.Attrs{"type": "in", "name": "Alice"}}},
		},
	)}
	d := &usyncDirectory{iq: iq, log: testutils.TestLoggerSys(t, "DIRC")}
	ctx := context.Background()

	// No ids, no query.
	res, err := d.QueryDirectory(ctx, nil, clientintf.FacetContact)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(res), 0)
	assert.DeepEqual(t, len(iq.reqs), 0)

	// Invalid users are skipped.
	res, err = d.QueryDirectory(ctx, []string{"123@s.whatsapp.net", "x@s.whatsapp.net"},
		clientintf.FacetContact)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(iq.reqs), 1)
	assert.DeepEqual(t, len(res), 1)
	assert.DeepEqual(t, res[0].Name, "Alice")

	// Reply without the list of users.
	iq.reply = &binnode.Node{Tag: "iq", Attrs: binnode.Attrs{"type": "result"}}
	_, err = d.QueryDirectory(ctx, []string{"123@s.whatsapp.net"}, clientintf.FacetContact)
	assert.ErrorIs(t, err, ProtocolError{})
	assert.ErrorIs(t, err, errNoUsyncList)

	// Send errors are wrapped.
	errTest := errors.New("test error")
	iq.err = errTest
	_, err = d.QueryDirectory(ctx, []string{"123@s.whatsapp.net"}, clientintf.FacetContact)
	assert.ErrorIs(t, err, errTest)
}

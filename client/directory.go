package client

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/jid"
	"github.com/decred/slog"
)

// iqSender sends iq requests through the live session.
type iqSender interface {
	SendIQ(ctx context.Context, n binnode.Node) (*binnode.Node, error)
}

// usyncDirectory queries the contact directory of the server with usync iq
// requests.
type usyncDirectory struct {
	iq  iqSender
	log slog.Logger

	nextSID atomic.Uint64
}

func usyncQuery(facets clientintf.DirectoryFacet) []binnode.Node {
	var query []binnode.Node
	if facets.Has(clientintf.FacetContact) {
		query = append(query, binnode.Node{Tag: "contact"})
	}
	if facets.Has(clientintf.FacetAlias) {
		query = append(query, binnode.Node{Tag: "lid"})
	}
	if facets.Has(clientintf.FacetStatus) {
		query = append(query, binnode.Node{Tag: "status"})
	}
	if facets.Has(clientintf.FacetDevices) {
		query = append(query, binnode.Node{
			Tag:   "devices",
			Attrs: binnode.Attrs{"version": "2"},
		})
	}
	return query
}

func (d *usyncDirectory) request(ids []string, facets clientintf.DirectoryFacet) binnode.Node {
	users := make([]binnode.Node, len(ids))
	for i, id := range ids {
		users[i] = binnode.Node{
			Tag:   "user",
			Attrs: binnode.Attrs{"jid": jid.Normalize(id)},
		}
	}
	return binnode.Node{
		Tag: "iq",
		Attrs: binnode.Attrs{
			"to":    jid.ServerJID,
			"type":  "get",
			"xmlns": "usync",
		},
		Content: []binnode.Node{{
			Tag: "usync",
			Attrs: binnode.Attrs{
				"sid":     strconv.FormatUint(d.nextSID.Add(1), 10),
				"mode":    "query",
				"last":    "true",
				"index":   "0",
				"context": "interactive",
			},
			Content: []binnode.Node{
				{Tag: "query", Content: usyncQuery(facets)},
				{Tag: "list", Content: users},
			},
		}},
	}
}

// parseUsyncUser decodes the result of a single user of a usync response.
func parseUsyncUser(user *binnode.Node) (clientintf.DirectoryResult, error) {
	id, err := user.AttrJID("jid")
	if err != nil {
		return clientintf.DirectoryResult{}, err
	}
	res := clientintf.DirectoryResult{ID: id.ToNonAD().String()}

	if contact, ok := user.GetOptionalChildByTag("contact"); ok {
		res.OnNetwork = contact.AttrString("type") == "in"
		res.Name = contact.AttrString("name")
	}
	if lid, ok := user.GetOptionalChildByTag("lid"); ok {
		if val := lid.AttrString("val"); val != "" {
			alias, err := jid.Parse(val)
			if err != nil {
				return res, fmt.Errorf("invalid lid of %s: %w", res.ID, err)
			}
			res.Alias = alias.ToNonAD().String()
		}
	}
	if status, ok := user.GetOptionalChildByTag("status"); ok {
		res.Status = string(status.ContentBytes())
	}
	if list, ok := user.GetOptionalChildByTag("devices", "device-list"); ok {
		for _, dev := range list.GetChildrenByTag("device") {
			devID, err := strconv.ParseUint(dev.AttrString("id"), 10, 16)
			if err != nil {
				return res, fmt.Errorf("invalid device of %s: %w", res.ID, err)
			}
			res.Devices = append(res.Devices, uint16(devID))
		}
	}
	return res, nil
}

// QueryDirectory queries the facets of the given ids. Users in the reply that
// fail to decode are skipped.
func (d *usyncDirectory) QueryDirectory(ctx context.Context, ids []string,
	facets clientintf.DirectoryFacet) ([]clientintf.DirectoryResult, error) {

	if len(ids) == 0 {
		return nil, nil
	}
	reply, err := d.iq.SendIQ(ctx, d.request(ids, facets))
	if err != nil {
		return nil, fmt.Errorf("usync query failed: %w", err)
	}
	list, ok := reply.GetOptionalChildByTag("usync", "list")
	if !ok {
		return nil, ProtocolError{Tag: "iq", Err: errNoUsyncList}
	}

	users := list.GetChildrenByTag("user")
	res := make([]clientintf.DirectoryResult, 0, len(users))
	for i := range users {
		dr, err := parseUsyncUser(&users[i])
		if err != nil {
			d.log.Warnf("Skipping usync result: %v", err)
			continue
		}
		res = append(res, dr)
	}
	return res, nil
}

var _ clientintf.DirectoryQuerier = (*usyncDirectory)(nil)

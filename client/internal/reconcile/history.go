package reconcile

import (
	"time"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/jid"
)

// HistorySyncResult are the statistics of a history sync merge.
type HistorySyncResult struct {
	Conversations int
	Added         int
	Duplicates    int
	Skipped       int

	// Changed are the ids of the surfaced conversations that were
	// created or modified.
	Changed []string
}

// convID returns the normalized id of a conversation and whether it is a
// group. ok is false for ids that can't host a conversation.
func convID(raw string) (id string, isGroup bool, ok bool) {
	j, err := jid.Parse(raw)
	if err != nil || j.User == "" || j == jid.StatusBroadcast {
		return "", false, false
	}
	return j.ToNonAD().String(), j.IsGroup(), true
}

// historyMessage converts a history sync message. ok is false if the message
// has no id or no displayable content.
func (e *Engine) historyMessage(cs *convState, hm *clientintf.HistorySyncMessage) (clientintf.Message, bool) {
	if hm.Key.ID == "" {
		return clientintf.Message{}, false
	}
	content, ok := ExtractContent(hm.Message)
	if !ok {
		return clientintf.Message{}, false
	}

	var senderID string
	switch {
	case hm.Key.FromMe:
		if self := e.cfg.SelfID(); !self.IsEmpty() {
			senderID = self.ToNonAD().String()
		}
	case cs.isGroup:
		senderID = jid.Normalize(hm.Key.Participant)
	default:
		senderID = cs.id
	}

	return clientintf.Message{
		ID:         hm.Key.ID,
		Content:    content,
		Timestamp:  time.Unix(hm.Timestamp, 0),
		IsOutbound: hm.Key.FromMe,
		SenderID:   senderID,
		SenderName: e.senderName(hm.Key.FromMe, senderID, hm.PushName),
	}, true
}

// mergeConversation merges one history sync conversation entry.
func (e *Engine) mergeConversation(hc *clientintf.HistoryConversation, res *HistorySyncResult) {
	id, isGroup, ok := convID(hc.ID)
	if !ok {
		e.log.Debugf("Skipping history conversation with id %q", hc.ID)
		res.Skipped++
		return
	}
	res.Conversations++

	cs := e.state(id, isGroup)
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	var added int
	for i := range hc.Messages {
		hm := &hc.Messages[i]
		if _, dup := cs.ids[hm.Key.ID]; dup && hm.Key.ID != "" {
			res.Duplicates++
			continue
		}
		msg, ok := e.historyMessage(cs, hm)
		if !ok {
			res.Skipped++
			continue
		}
		cs.appendMsg(msg)
		added++
	}
	if added > 0 {
		cs.sortMsgs()
	}
	res.Added += added

	// Keep the naming hints so the name can be re-derived later.
	base := cs.conv
	if hc.Name != "" {
		base.Subject = hc.Name
	}
	if hc.DisplayName != "" {
		base.DisplayName = hc.DisplayName
	}
	if hc.Username != "" {
		base.Username = hc.Username
	}
	conv, ok := e.refreshConv(cs, base)
	if !ok {
		// Not surfaced until it has at least one message.
		e.listMtx.Lock()
		cs.conv = base
		e.listMtx.Unlock()
		return
	}
	if added == 0 && conv == cs.conv {
		return
	}
	e.setConv(cs, conv, false)
	res.Changed = append(res.Changed, id)
}

// ApplyHistorySync merges a history sync batch into the model. Malformed
// entries are skipped without aborting the rest of the batch.
func (e *Engine) ApplyHistorySync(hs *clientintf.HistorySync) HistorySyncResult {
	var res HistorySyncResult
	if hs == nil {
		return res
	}

	e.mergeMtx.Lock()
	for _, pn := range hs.Pushnames {
		e.names.SetName(pn.ID, pn.Pushname)
	}
	for _, m := range hs.PhoneNumberToLIDMappings {
		e.names.SetAlias(m.PN, m.LID)
	}
	for i := range hs.Conversations {
		e.mergeConversation(&hs.Conversations[i], &res)
	}
	e.mergeMtx.Unlock()

	e.log.Infof("Merged history sync %s (chunk %d, %d%%): %d conversations, "+
		"%d new messages, %d duplicates, %d skipped", hs.SyncType,
		hs.ChunkOrder, hs.Progress, res.Conversations, res.Added,
		res.Duplicates, res.Skipped)

	if len(res.Changed) > 0 {
		e.cfg.OnChanged(res.Changed)
	}
	e.cfg.TriggerNameResolution()
	e.cfg.ScheduleFlush()
	return res
}

package reconcile

import (
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/internal/aliasgraph"
)

// ApplyLiveMessage merges a message received while online. The conversation
// is moved to the front of the activity list. It returns false if the
// message was a duplicate or had no displayable content.
func (e *Engine) ApplyLiveMessage(lm *clientintf.LiveMessage) bool {
	if lm == nil || lm.Info.ID == "" {
		return false
	}
	id, isGroup, ok := convID(lm.Info.Chat.String())
	if !ok {
		e.log.Debugf("Ignoring live message %s in chat %s", lm.Info.ID,
			lm.Info.Chat)
		return false
	}
	content, ok := ExtractContent(lm.Message)
	if !ok {
		e.log.Tracef("Ignoring live message %s without content", lm.Info.ID)
		return false
	}

	var senderID string
	switch {
	case lm.Info.IsFromMe:
		if self := e.cfg.SelfID(); !self.IsEmpty() {
			senderID = self.ToNonAD().String()
		}
	case !lm.Info.Sender.IsEmpty():
		senderID = lm.Info.Sender.ToNonAD().String()
	default:
		senderID = id
	}
	msg := clientintf.Message{
		ID:         lm.Info.ID,
		Content:    content,
		Timestamp:  lm.Info.Timestamp,
		IsOutbound: lm.Info.IsFromMe,
		SenderID:   senderID,
		SenderName: e.senderName(lm.Info.IsFromMe, senderID, lm.Info.PushName),
	}

	cs := e.lockState(id, isGroup || lm.Info.IsGroup)
	if !cs.appendMsg(msg) {
		cs.mtx.Unlock()
		e.log.Tracef("Duplicate live message %s in %s", msg.ID, id)
		return false
	}
	if n := len(cs.msgs); n > 1 && msg.Timestamp.Before(cs.msgs[n-2].Timestamp) {
		cs.sortMsgs()
	}
	conv, _ := e.refreshConv(cs, cs.conv)
	e.setConv(cs, conv, true)
	cs.mtx.Unlock()

	e.cfg.OnChanged([]string{id})
	e.cfg.ScheduleFlush()
	if !conv.IsGroup && aliasgraph.IsNakedLabel(conv.Name, id) {
		e.cfg.TriggerNameResolution()
	}
	return true
}

// Package reconcile maintains the conversation model of the client. It merges
// bulk history sync batches and live messages into per-conversation message
// lists, deduplicating by message id and keeping every list ordered by
// timestamp, and keeps the conversation list ordered by most recent activity.
package reconcile

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bahlo/generic-list-go"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/internal/aliasgraph"
	"github.com/companyzero/mdlink/jid"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
)

// SelfName is the sender name of messages authored by the local account.
const SelfName = "Me"

// Config is the configuration of an Engine.
type Config struct {
	// Aliases is the contact-name cache and alias graph shared with the
	// name resolver.
	Aliases *aliasgraph.Graph

	// SelfID returns the identity of the local account, if known.
	SelfID func() jid.JID

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Log slog.Logger

	// OnChanged is called (outside of any lock) with the ids of the
	// conversations that were created or modified.
	OnChanged func(ids []string)

	// ScheduleFlush is called whenever the model changed and needs to be
	// persisted.
	ScheduleFlush func()

	// TriggerNameResolution is called when conversations with naked
	// display names may exist.
	TriggerNameResolution func()
}

func (cfg *Config) setDefaults() {
	if cfg.Aliases == nil {
		cfg.Aliases = aliasgraph.New(nil)
	}
	if cfg.SelfID == nil {
		cfg.SelfID = func() jid.JID { return jid.JID{} }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	if cfg.OnChanged == nil {
		cfg.OnChanged = func([]string) {}
	}
	if cfg.ScheduleFlush == nil {
		cfg.ScheduleFlush = func() {}
	}
	if cfg.TriggerNameResolution == nil {
		cfg.TriggerNameResolution = func() {}
	}
}

// convState is the state of a single conversation.
//
// mtx serializes every mutation of the message list. conv and elem are
// additionally only written while holding the engine's listMtx.
type convState struct {
	mtx     sync.Mutex
	id      string
	isGroup bool
	msgs    []clientintf.Message
	ids     map[string]struct{}

	conv clientintf.Conversation
	elem *list.Element[*convState]
}

func (cs *convState) surfaced() bool {
	return cs.elem != nil
}

// appendMsg adds the message to the list if its id is not yet known. It
// returns false for duplicates. Sorting is left to the caller.
func (cs *convState) appendMsg(msg clientintf.Message) bool {
	if _, ok := cs.ids[msg.ID]; ok {
		return false
	}
	cs.ids[msg.ID] = struct{}{}
	cs.msgs = append(cs.msgs, msg)
	return true
}

// sortMsgs orders the message list by timestamp, keeping the insertion order
// of messages with equal timestamps.
func (cs *convState) sortMsgs() {
	sort.SliceStable(cs.msgs, func(i, j int) bool {
		return cs.msgs[i].Timestamp.Before(cs.msgs[j].Timestamp)
	})
}

// Engine is the reconciliation engine.
type Engine struct {
	cfg   Config
	log   slog.Logger
	names *aliasgraph.Graph

	// mergeMtx serializes bulk history merges.
	mergeMtx sync.Mutex

	// convs is the lock table of conversations, keyed by normalized id.
	convs *xsync.MapOf[string, *convState]

	// listMtx guards mru, the surfaced conversations ordered by most
	// recent activity first.
	listMtx sync.Mutex
	mru     *list.List[*convState]
}

// New creates a new engine with an empty model.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:   cfg,
		log:   cfg.Log,
		names: cfg.Aliases,
		convs: xsync.NewMapOf[string, *convState](),
		mru:   list.New[*convState](),
	}
}

func (e *Engine) state(id string, isGroup bool) *convState {
	cs, _ := e.convs.LoadOrCompute(id, func() *convState {
		return &convState{
			id:      id,
			isGroup: isGroup,
			ids:     make(map[string]struct{}),
		}
	})
	return cs
}

// lockState returns the locked state of a conversation. A state removed from
// the table by DeleteConversation while waiting for its lock is discarded
// and a fresh one is used instead.
func (e *Engine) lockState(id string, isGroup bool) *convState {
	for {
		cs := e.state(id, isGroup)
		cs.mtx.Lock()
		if cur, ok := e.convs.Load(id); ok && cur == cs {
			return cs
		}
		cs.mtx.Unlock()
	}
}

// displayName derives the name of a conversation: the explicit subject or
// profile name, the display name, the username, then the name cache.
func (e *Engine) displayName(cs *convState, conv *clientintf.Conversation) string {
	for _, hint := range []string{conv.Subject, conv.DisplayName, conv.Username} {
		hint = strings.TrimSpace(hint)
		if hint != "" && !strings.Contains(hint, "@") {
			return hint
		}
	}
	if cs.isGroup {
		if name, ok := e.names.Name(cs.id); ok {
			return name
		}
		return jid.LocalPart(cs.id)
	}
	return e.names.ResolveDisplayName(cs.id)
}

// senderName returns the display name of the sender of a message.
func (e *Engine) senderName(fromMe bool, senderID, pushName string) string {
	if fromMe {
		return SelfName
	}
	if pushName != "" && senderID != "" {
		if name, ok := e.names.Name(senderID); !ok || aliasgraph.IsNakedLabel(name, senderID) {
			e.names.SetName(senderID, pushName)
		}
	}
	return e.names.ResolveDisplayName(senderID)
}

// refreshConv recomputes the conversation record from base and the message
// list. It returns false if the conversation has no messages. cs.mtx must be
// held.
func (e *Engine) refreshConv(cs *convState, base clientintf.Conversation) (clientintf.Conversation, bool) {
	if len(cs.msgs) == 0 {
		return clientintf.Conversation{}, false
	}
	conv := base
	conv.ID = cs.id
	conv.IsGroup = cs.isGroup
	conv.Name = e.displayName(cs, &conv)
	last := cs.msgs[len(cs.msgs)-1]
	conv.LastPreview = Preview(last.Content)
	conv.LastActivity = last.Timestamp
	conv.LastActivityLabel = ActivityLabel(last.Timestamp, e.cfg.Now())
	return conv, true
}

// placeLocked positions the conversation in the activity list, keeping the
// list ordered by last activity. listMtx must be held.
func (e *Engine) placeLocked(cs *convState) {
	if cs.elem != nil {
		e.mru.Remove(cs.elem)
	}
	for el := e.mru.Front(); el != nil; el = el.Next() {
		if el.Value.conv.LastActivity.Before(cs.conv.LastActivity) {
			cs.elem = e.mru.InsertBefore(cs, el)
			return
		}
	}
	cs.elem = e.mru.PushBack(cs)
}

// setConv updates the conversation record. When toFront is true the
// conversation is moved to the front of the activity list, otherwise it is
// positioned by its last activity. cs.mtx must be held.
func (e *Engine) setConv(cs *convState, conv clientintf.Conversation, toFront bool) {
	e.listMtx.Lock()
	defer e.listMtx.Unlock()
	moved := !conv.LastActivity.Equal(cs.conv.LastActivity)
	cs.conv = conv
	switch {
	case toFront && cs.elem == nil:
		cs.elem = e.mru.PushFront(cs)
	case toFront:
		e.mru.MoveToFront(cs.elem)
	case cs.elem == nil || moved:
		e.placeLocked(cs)
	}
}

// Load seeds the model with persisted state. Conversations without messages
// are ignored.
func (e *Engine) Load(convs []clientintf.Conversation, msgs map[string][]clientintf.Message) {
	e.mergeMtx.Lock()
	defer e.mergeMtx.Unlock()

	var nb int
	for _, c := range convs {
		id := jid.Normalize(c.ID)
		if id == "" {
			continue
		}
		cs := e.state(id, c.IsGroup)
		cs.mtx.Lock()
		for _, m := range msgs[c.ID] {
			if m.ID != "" {
				cs.appendMsg(m)
			}
		}
		cs.sortMsgs()
		if conv, ok := e.refreshConv(cs, c); ok {
			e.setConv(cs, conv, false)
			nb++
		}
		cs.mtx.Unlock()
	}
	e.log.Debugf("Loaded %d conversations", nb)
}

// Conversations returns the surfaced conversations, most recently active
// first.
func (e *Engine) Conversations() []clientintf.Conversation {
	now := e.cfg.Now()
	e.listMtx.Lock()
	res := make([]clientintf.Conversation, 0, e.mru.Len())
	for el := e.mru.Front(); el != nil; el = el.Next() {
		c := el.Value.conv
		c.LastActivityLabel = ActivityLabel(c.LastActivity, now)
		res = append(res, c)
	}
	e.listMtx.Unlock()
	return res
}

// Conversation returns the surfaced conversation with the given id.
func (e *Engine) Conversation(id string) (clientintf.Conversation, bool) {
	cs, ok := e.convs.Load(jid.Normalize(id))
	if !ok {
		return clientintf.Conversation{}, false
	}
	e.listMtx.Lock()
	defer e.listMtx.Unlock()
	return cs.conv, cs.surfaced()
}

// Messages returns a copy of the messages of a conversation, ordered by
// timestamp.
func (e *Engine) Messages(id string) []clientintf.Message {
	cs, ok := e.convs.Load(jid.Normalize(id))
	if !ok {
		return nil
	}
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return append([]clientintf.Message(nil), cs.msgs...)
}

// Snapshot returns the full conversation list and every message list of the
// surfaced conversations.
func (e *Engine) Snapshot() ([]clientintf.Conversation, map[string][]clientintf.Message) {
	convs := e.Conversations()
	msgs := make(map[string][]clientintf.Message, len(convs))
	for _, c := range convs {
		msgs[c.ID] = e.Messages(c.ID)
	}
	return convs, msgs
}

// NakedConversationIDs returns the ids of the individual conversations whose
// display name is not a real name.
func (e *Engine) NakedConversationIDs() []string {
	e.listMtx.Lock()
	defer e.listMtx.Unlock()
	var res []string
	for el := e.mru.Front(); el != nil; el = el.Next() {
		c := &el.Value.conv
		if !c.IsGroup && aliasgraph.IsNakedLabel(c.Name, c.ID) {
			res = append(res, c.ID)
		}
	}
	return res
}

// RefreshDisplayNames re-derives the display name of the given conversations
// and returns the ids of the ones that changed.
func (e *Engine) RefreshDisplayNames(ids []string) []string {
	var changed []string
	for _, id := range ids {
		cs, ok := e.convs.Load(jid.Normalize(id))
		if !ok {
			continue
		}
		cs.mtx.Lock()
		if cs.surfaced() {
			conv := cs.conv
			if name := e.displayName(cs, &conv); name != conv.Name {
				e.log.Debugf("Conversation %s renamed from %q to %q",
					cs.id, conv.Name, name)
				conv.Name = name
				e.setConv(cs, conv, false)
				changed = append(changed, cs.id)
			}
		}
		cs.mtx.Unlock()
	}
	if len(changed) > 0 {
		e.cfg.OnChanged(changed)
		e.cfg.ScheduleFlush()
	}
	return changed
}

// DeleteConversation removes a conversation and its messages from the model.
func (e *Engine) DeleteConversation(id string) bool {
	id = jid.Normalize(id)
	e.mergeMtx.Lock()
	defer e.mergeMtx.Unlock()
	cs, ok := e.convs.LoadAndDelete(id)
	if !ok {
		return false
	}
	cs.mtx.Lock()
	e.listMtx.Lock()
	if cs.elem != nil {
		e.mru.Remove(cs.elem)
		cs.elem = nil
	}
	e.listMtx.Unlock()
	cs.msgs = nil
	cs.ids = make(map[string]struct{})
	cs.mtx.Unlock()
	e.cfg.OnChanged([]string{id})
	return true
}

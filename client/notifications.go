package client

import (
	"fmt"
	"sync"

	"github.com/companyzero/mdlink/jid"
)

// Following are the notification types. Add new types at the bottom of this
// list, then add a notifyX() to NotificationManager and initialize a new
// container in NewNotificationManager().

const onConnStatusNtfnType = "onConnStatus"

// OnConnStatusNtfn is called whenever the connection state changes. Handlers
// registered with RegisterSync must not block.
type OnConnStatusNtfn func(old, new ConnState)

func (_ OnConnStatusNtfn) typ() string { return onConnStatusNtfnType }

const onSessionReadyNtfnType = "onSessionReady"

// OnSessionReadyNtfn is called when the server accepts the login of the
// device.
type OnSessionReadyNtfn func(id jid.JID)

func (_ OnSessionReadyNtfn) typ() string { return onSessionReadyNtfnType }

const onHistorySyncNtfnType = "onHistorySync"

// OnHistorySyncNtfn is called after a history sync batch was merged into the
// conversation model.
type OnHistorySyncNtfn func(summary HistorySyncSummary)

func (_ OnHistorySyncNtfn) typ() string { return onHistorySyncNtfnType }

const onErrorNtfnType = "onError"

// OnErrorNtfn is called with errors that are not handled by the client
// itself.
type OnErrorNtfn func(err error)

func (_ OnErrorNtfn) typ() string { return onErrorNtfnType }

const onSyncStatusNtfnType = "onSyncStatus"

// OnSyncStatusNtfn is called with a user facing description of background
// sync activity. An empty status means there's no activity.
type OnSyncStatusNtfn func(status string)

func (_ OnSyncStatusNtfn) typ() string { return onSyncStatusNtfnType }

const onConversationsChangedNtfnType = "onConversationsChanged"

// OnConversationsChangedNtfn is called with the ids of conversations that
// were created, modified or removed.
type OnConversationsChangedNtfn func(ids []string)

func (_ OnConversationsChangedNtfn) typ() string { return onConversationsChangedNtfnType }

const onQRCodesNtfnType = "onQRCodes"

// OnQRCodesNtfn is called with the codes to display for pairing the device
// with the primary device of an account.
type OnQRCodesNtfn func(codes []string)

func (_ OnQRCodesNtfn) typ() string { return onQRCodesNtfnType }

const onPairSuccessNtfnType = "onPairSuccess"

// OnPairSuccessNtfn is called after the device was paired.
type OnPairSuccessNtfn func(id jid.JID, platform string)

func (_ OnPairSuccessNtfn) typ() string { return onPairSuccessNtfnType }

// The following is used only in tests.

const onTestNtfnType = "testNtfnType"

type onTestNtfn func()

func (_ onTestNtfn) typ() string { return onTestNtfnType }

// Following is the generic notification code.

type NotificationRegistration struct {
	unreg func() bool
}

func (reg NotificationRegistration) Unregister() bool {
	return reg.unreg()
}

type NotificationHandler interface {
	typ() string
}

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) NotificationRegistration {
	var id uint

	hn.mtx.Lock()
	id, hn.next = hn.next, hn.next+1
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	registered := true
	hn.mtx.Unlock()

	return NotificationRegistration{
		unreg: func() bool {
			hn.mtx.Lock()
			res := registered
			if registered {
				delete(hn.handlers, id)
				registered = false
			}
			hn.mtx.Unlock()
			return res
		},
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
	hn.mtx.Unlock()
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) NotificationRegistration {
	if h, ok := v.(T); !ok {
		panic("wrong type")
	} else {
		return hn.register(h, async)
	}
}

type handlersRegistry interface {
	Register(v interface{}, async bool) NotificationRegistration
}

// NotificationManager dispatches client notifications to every registered
// handler of the notification type.
type NotificationManager struct {
	handlers map[string]handlersRegistry
}

func (nmgr *NotificationManager) register(handler NotificationHandler, async bool) NotificationRegistration {
	handlers := nmgr.handlers[handler.typ()]
	if handlers == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T "+
			"in NewNotificationManager", handler))
	}

	return handlers.Register(handler, async)
}

// Register registers a handler that is called in its own goroutine.
func (nmgr *NotificationManager) Register(handler NotificationHandler) NotificationRegistration {
	return nmgr.register(handler, true)
}

// RegisterSync registers a handler that is called synchronously, in the order
// the notifications are generated.
func (nmgr *NotificationManager) RegisterSync(handler NotificationHandler) NotificationRegistration {
	return nmgr.register(handler, false)
}

// Following are the notifyX() calls (one for each type of notification).

func (nmgr *NotificationManager) notifyTest() {
	nmgr.handlers[onTestNtfnType].(*handlersFor[onTestNtfn]).
		visit(func(h onTestNtfn) { h() })
}

func (nmgr *NotificationManager) notifyConnStatus(old, new ConnState) {
	nmgr.handlers[onConnStatusNtfnType].(*handlersFor[OnConnStatusNtfn]).
		visit(func(h OnConnStatusNtfn) { h(old, new) })
}

func (nmgr *NotificationManager) notifySessionReady(id jid.JID) {
	nmgr.handlers[onSessionReadyNtfnType].(*handlersFor[OnSessionReadyNtfn]).
		visit(func(h OnSessionReadyNtfn) { h(id) })
}

func (nmgr *NotificationManager) notifyHistorySync(summary HistorySyncSummary) {
	nmgr.handlers[onHistorySyncNtfnType].(*handlersFor[OnHistorySyncNtfn]).
		visit(func(h OnHistorySyncNtfn) { h(summary) })
}

func (nmgr *NotificationManager) notifyError(err error) {
	nmgr.handlers[onErrorNtfnType].(*handlersFor[OnErrorNtfn]).
		visit(func(h OnErrorNtfn) { h(err) })
}

func (nmgr *NotificationManager) notifySyncStatus(status string) {
	nmgr.handlers[onSyncStatusNtfnType].(*handlersFor[OnSyncStatusNtfn]).
		visit(func(h OnSyncStatusNtfn) { h(status) })
}

func (nmgr *NotificationManager) notifyConversationsChanged(ids []string) {
	nmgr.handlers[onConversationsChangedNtfnType].(*handlersFor[OnConversationsChangedNtfn]).
		visit(func(h OnConversationsChangedNtfn) { h(ids) })
}

func (nmgr *NotificationManager) notifyQRCodes(codes []string) {
	nmgr.handlers[onQRCodesNtfnType].(*handlersFor[OnQRCodesNtfn]).
		visit(func(h OnQRCodesNtfn) { h(codes) })
}

func (nmgr *NotificationManager) notifyPairSuccess(id jid.JID, platform string) {
	nmgr.handlers[onPairSuccessNtfnType].(*handlersFor[OnPairSuccessNtfn]).
		visit(func(h OnPairSuccessNtfn) { h(id, platform) })
}

func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		handlers: map[string]handlersRegistry{
			onTestNtfnType:         &handlersFor[onTestNtfn]{},
			onConnStatusNtfnType:   &handlersFor[OnConnStatusNtfn]{},
			onSessionReadyNtfnType: &handlersFor[OnSessionReadyNtfn]{},
			onHistorySyncNtfnType:  &handlersFor[OnHistorySyncNtfn]{},
			onErrorNtfnType:        &handlersFor[OnErrorNtfn]{},
			onSyncStatusNtfnType:   &handlersFor[OnSyncStatusNtfn]{},

			onConversationsChangedNtfnType: &handlersFor[OnConversationsChangedNtfn]{},
			onQRCodesNtfnType:              &handlersFor[OnQRCodesNtfn]{},
			onPairSuccessNtfnType:          &handlersFor[OnPairSuccessNtfn]{},
		},
	}
}

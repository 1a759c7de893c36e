package client

import (
	"testing"
	"time"

	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/jid"
)

// TestNotificationManager tests the behavior of the NotificationManager.
func TestNotificationManager(t *testing.T) {
	t.Parallel()

	nmgr := NewNotificationManager()

	var called bool
	var calledChan = make(chan struct{})
	fSync := func() {
		called = true
	}
	fAsync := func() {
		calledChan <- struct{}{}
	}

	assertCalledSync := func(want bool) {
		t.Helper()
		if want != called {
			t.Fatalf("unexpected called sync: got %v, want %v",
				called, want)
		}
		called = false
	}
	assertCalledAsync := func(want bool) {
		t.Helper()
		if want {
			select {
			case <-calledChan:
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for calledChan")
			}
		} else {
			select {
			case <-calledChan:
				t.Fatal("unexpected write to calledChan")
			case <-time.After(time.Millisecond * 100):
			}

		}
	}
	assertUnregister := func(reg NotificationRegistration, want bool) {
		t.Helper()
		got := reg.Unregister()
		if got != want {
			t.Fatalf("unexpected unregister() result: got %v, want %v",
				got, want)
		}
	}

	// No one registered  yet.
	nmgr.notifyTest()
	assertCalledSync(false)
	assertCalledAsync(false)

	// Register one sync and one async calls.
	regSync := nmgr.RegisterSync(onTestNtfn(fSync))
	regAsync := nmgr.Register(onTestNtfn(fAsync))

	// Both called after registration.
	nmgr.notifyTest()
	assertCalledSync(true)
	assertCalledAsync(true)

	// Unregister only sync and call.
	assertUnregister(regSync, true)
	nmgr.notifyTest()
	assertCalledSync(false)
	assertCalledAsync(true)

	// Unregister async and call.
	assertUnregister(regAsync, true)
	nmgr.notifyTest()
	assertCalledSync(false)
	assertCalledAsync(false)

	// Both already unregistered.
	assertUnregister(regSync, false)
	assertUnregister(regAsync, false)
}

// TestNotificationTypesInitialized asserts every exported notification type
// can be registered and dispatched to multiple consumers.
func TestNotificationTypesInitialized(t *testing.T) {
	t.Parallel()

	nmgr := NewNotificationManager()
	codes := make(chan []string, 2)
	for i := 0; i < 2; i++ {
		nmgr.RegisterSync(OnQRCodesNtfn(func(c []string) { codes <- c }))
	}
	nmgr.RegisterSync(OnConnStatusNtfn(func(old, new ConnState) {}))
	nmgr.RegisterSync(OnSessionReadyNtfn(func(id jid.JID) {}))
	nmgr.RegisterSync(OnHistorySyncNtfn(func(HistorySyncSummary) {}))
	nmgr.RegisterSync(OnErrorNtfn(func(error) {}))
	nmgr.RegisterSync(OnSyncStatusNtfn(func(string) {}))
	nmgr.RegisterSync(OnConversationsChangedNtfn(func([]string) {}))
	nmgr.RegisterSync(OnPairSuccessNtfn(func(jid.JID, string) {}))

	nmgr.notifyQRCodes([]string{"a", "b"})
	assert.DeepEqual(t, assert.ChanWritten(t, codes), []string{"a", "b"})
	assert.DeepEqual(t, assert.ChanWritten(t, codes), []string{"a", "b"})
}

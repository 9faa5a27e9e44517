package snacksession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/starryskadi/snack-sdk/objectstore"
	"github.com/starryskadi/snack-sdk/snackfile"
	"github.com/starryskadi/snack-sdk/transport"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, files map[string]snackfile.File) (*Session, *transport.MemoryAdapter) {
	t.Helper()
	adapter := transport.NewMemoryAdapter()
	s, err := New(Config{
		Files:      files,
		SessionID:  "abcdefg",
		SDKVersion: "40.0.0",
		Adapter:    adapter,
		Store:      objectstore.NewFakeStore(),
	})
	require.NoError(t, err)
	return s, adapter
}

func TestNew_RejectsShortChannel(t *testing.T) {
	adapter := transport.NewMemoryAdapter()
	_, err := New(Config{
		Files:     map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: ""}},
		SessionID: "abc",
		Adapter:   adapter,
		Store:     objectstore.NewFakeStore(),
	})
	require.Error(t, err)
}

func TestNew_IsSavedImmediatelyAfterConstruction(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}})
	require.True(t, s.GetState().IsSaved)
}

func TestSendCodeAsync_FilesMatchKeyForKey(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "a"}})

	next := map[string]snackfile.File{
		"app.js":   {Type: snackfile.CodeFile, Contents: "b"},
		"other.js": {Type: snackfile.CodeFile, Contents: "c"},
	}
	require.NoError(t, s.SendCodeAsync(context.Background(), next))

	got := s.GetState().Files
	require.Len(t, got, 2)
	require.Equal(t, "b", got["app.js"].Contents)
	require.Equal(t, "c", got["other.js"].Contents)
}

func TestSendCodeAsync_DeletesMissingKeys(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{
		"app.js":  {Type: snackfile.CodeFile, Contents: "a"},
		"keep.js": {Type: snackfile.CodeFile, Contents: "b"},
	})

	require.NoError(t, s.SendCodeAsync(context.Background(), map[string]snackfile.File{
		"keep.js": {Type: snackfile.CodeFile, Contents: "b"},
	}))

	got := s.GetState().Files
	require.Len(t, got, 1)
	_, hasApp := got["app.js"]
	require.False(t, hasApp)
}

func TestSendCodeAsync_NotSavedAfterEdit(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "a"}})
	require.NoError(t, s.SendCodeAsync(context.Background(), map[string]snackfile.File{
		"app.js": {Type: snackfile.CodeFile, Contents: "b"},
	}))
	require.False(t, s.GetState().IsSaved)
}

func TestStateListener_ReceivesOrderedEvents(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "a"}})

	var order []int
	s.AddStateListener(func(StateSnapshot) { order = append(order, 1) })
	s.AddStateListener(func(StateSnapshot) { order = append(order, 2) })

	s.SetName("demo")
	require.Equal(t, []int{1, 2}, order)
}

func TestStateListener_RemovalDuringDispatchDoesNotSkipLater(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "a"}})

	var sub *Subscription
	var secondFired bool
	sub = s.AddStateListener(func(StateSnapshot) { sub.Remove() })
	s.AddStateListener(func(StateSnapshot) { secondFired = true })

	s.SetName("demo")
	require.True(t, secondFired)

	secondFired = false
	s.SetName("demo-2")
	require.True(t, secondFired)
}

func TestDevicePresenceJoin_TriggersImmediatePublish(t *testing.T) {
	s, adapter := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "console.log(1)"}})
	require.NoError(t, s.StartAsync(context.Background()))

	var presenceEvents []transport.PresenceEvent
	s.AddPresenceListener(func(e transport.PresenceEvent) { presenceEvents = append(presenceEvents, e) })

	adapter.DeliverPresence(transport.PresenceEvent{Action: transport.PresenceJoin, Device: `{"id":"device-1"}`})

	// Give the dispatch goroutine a tick to process the enqueued presence event.
	s.do(func() {})

	require.Len(t, presenceEvents, 1)
	require.Equal(t, transport.PresenceJoin, presenceEvents[0].Action)
	require.Equal(t, "device-1", presenceEvents[0].Device)

	// The join publish must carry the current bundle without waiting out
	// the debounce interval.
	published := adapter.Published()
	require.NotEmpty(t, published)
	msg := published[len(published)-1].(map[string]interface{})
	require.Equal(t, "CODE", msg["type"])
}

func TestNonDeviceSubscriberPresence_Ignored(t *testing.T) {
	s, adapter := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}})
	require.NoError(t, s.StartAsync(context.Background()))

	var presenceEvents []transport.PresenceEvent
	s.AddPresenceListener(func(e transport.PresenceEvent) { presenceEvents = append(presenceEvents, e) })

	adapter.DeliverPresence(transport.PresenceEvent{Action: transport.PresenceJoin, Device: "editor-tab-7"})
	s.do(func() {})

	require.Empty(t, presenceEvents)
	require.Empty(t, adapter.Published())
}

func TestResendCode_TriggersImmediatePublish(t *testing.T) {
	s, adapter := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "console.log(1)"}})
	require.NoError(t, s.StartAsync(context.Background()))

	adapter.Deliver(transport.Message{Type: transport.MessageResendCode})
	s.do(func() {})

	published := adapter.Published()
	require.NotEmpty(t, published)
	msg := published[len(published)-1].(map[string]interface{})
	require.Equal(t, "CODE", msg["type"])
}

func TestHandleMessage_ConsoleAndErrorReachListeners(t *testing.T) {
	s, adapter := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}})
	require.NoError(t, s.StartAsync(context.Background()))

	var logs []LogEvent
	var errs []ErrorEvent
	s.AddLogListener(func(e LogEvent) { logs = append(logs, e) })
	s.AddErrorListener(func(e ErrorEvent) { errs = append(errs, e) })

	adapter.Deliver(transport.Message{Type: transport.MessageConsole, Device: "d1", Method: "log", Payload: []interface{}{"hi"}})
	adapter.Deliver(transport.Message{Type: transport.MessageError, Device: "d1", Error: `{"message":"boom"}`})
	s.do(func() {})

	require.Len(t, logs, 1)
	require.Equal(t, "log", logs[0].Method)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "boom")
}

func TestSaveAsync_MarksSavedOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "snack-1"})
	}))
	defer srv.Close()

	adapter := transport.NewMemoryAdapter()
	s, err := New(Config{
		Files:      map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "a"}},
		SessionID:  "abcdefg",
		SDKVersion: "40.0.0",
		Adapter:    adapter,
		Store:      objectstore.NewFakeStore(),
		ExpoAPIURL: srv.URL,
	})
	require.NoError(t, err)

	require.NoError(t, s.SendCodeAsync(context.Background(), map[string]snackfile.File{
		"app.js": {Type: snackfile.CodeFile, Contents: "b"},
	}))
	require.False(t, s.GetState().IsSaved)

	id, err := s.SaveAsync(context.Background())
	require.NoError(t, err)
	require.Equal(t, "snack-1", id)
	require.True(t, s.GetState().IsSaved)
	require.Equal(t, "snack-1", s.GetState().SnackID)
}

func TestSaveAsync_SurfacesHTTPFailureToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := transport.NewMemoryAdapter()
	s, err := New(Config{
		Files:      map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}},
		SessionID:  "abcdefg",
		Adapter:    adapter,
		Store:      objectstore.NewFakeStore(),
		ExpoAPIURL: srv.URL,
	})
	require.NoError(t, err)

	_, err = s.SaveAsync(context.Background())
	require.Error(t, err)
}

func TestNew_NotVerbose_SuppressesWarnLevel(t *testing.T) {
	s, _ := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}})
	require.False(t, s.logger.Logger.IsLevelEnabled(logrus.WarnLevel))
}

func TestNew_Verbose_EnablesWarnLevel(t *testing.T) {
	adapter := transport.NewMemoryAdapter()
	s, err := New(Config{
		Files:      map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}},
		SessionID:  "abcdefg",
		SDKVersion: "40.0.0",
		Adapter:    adapter,
		Store:      objectstore.NewFakeStore(),
		Verbose:    true,
	})
	require.NoError(t, err)
	require.True(t, s.logger.Logger.IsLevelEnabled(logrus.WarnLevel))
}

func TestStopAsync_Unsubscribes(t *testing.T) {
	s, adapter := newTestSession(t, map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}})
	require.NoError(t, s.StartAsync(context.Background()))
	require.NoError(t, s.StopAsync())

	adapter.Deliver(transport.Message{Type: transport.MessageResendCode})
	time.Sleep(10 * time.Millisecond)
	s.do(func() {})

	// A resend request after stop publishes nothing (the pipeline is
	// STOPPED), and the adapter no longer accepts payloads on the channel.
	require.Empty(t, adapter.Published())
	adapter.Publish(context.Background(), "abcdefg", map[string]interface{}{"type": "CODE"})
	require.Empty(t, adapter.Published())
}

package publish

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/starryskadi/snack-sdk/filediff"
	"github.com/starryskadi/snack-sdk/objectstore"
	"github.com/starryskadi/snack-sdk/snackfile"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu         sync.Mutex
	subscribed map[string]bool
	publishes  []interface{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{subscribed: make(map[string]bool)}
}

func (a *fakeAdapter) Subscribe(ctx context.Context, channel string, withPresence bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribed[channel] = true
	return nil
}

func (a *fakeAdapter) Unsubscribe(channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribed, channel)
	return nil
}

func (a *fakeAdapter) Publish(ctx context.Context, channel string, message interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishes = append(a.publishes, message)
	return nil
}

func (a *fakeAdapter) last() interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.publishes) == 0 {
		return nil
	}
	return a.publishes[len(a.publishes)-1]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.publishes)
}

type fakeSource struct {
	files          map[string]snackfile.File
	sdkVersion     string
	multipleFiles  bool
	loadingMessage *string
	resolving      bool
}

func (s *fakeSource) Files() map[string]snackfile.File { return s.files }
func (s *fakeSource) SDKVersion() string               { return s.sdkVersion }
func (s *fakeSource) SupportsMultipleFiles() bool      { return s.multipleFiles }
func (s *fakeSource) LoadingMessage() (string, bool) {
	if s.loadingMessage == nil {
		return "", false
	}
	return *s.loadingMessage, true
}
func (s *fakeSource) IsResolving() bool        { return s.resolving }
func (s *fakeSource) Fingerprint() Fingerprint { return Fingerprint{} }

func immediateEnqueue(fn func()) { fn() }

func TestPipeline_SmallBundleFitsInline(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{
		files:         map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "console.log(1)"}},
		sdkVersion:    "40.0.0",
		multipleFiles: true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))

	require.NoError(t, p.PublishNow(context.Background()))

	msg, ok := adapter.last().(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "CODE", msg["type"])
	diff := msg["diff"].(map[string]string)
	require.Equal(t, filediff.Diff("", "console.log(1)"), diff["app.js"])
	s3url := msg["s3url"].(map[string]string)
	require.Empty(t, s3url)
}

func TestPipeline_SpillsOversizeFile(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	big := strings.Repeat("x", 100*1024)
	source := &fakeSource{
		files: map[string]snackfile.File{
			"a.js": {Type: snackfile.CodeFile, Contents: big},
			"b.js": {Type: snackfile.CodeFile, Contents: "x"},
		},
		sdkVersion:    "40.0.0",
		multipleFiles: true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))

	msg := adapter.last().(map[string]interface{})
	diff := msg["diff"].(map[string]string)
	s3url := msg["s3url"].(map[string]string)
	require.Equal(t, "", diff["a.js"])
	require.NotEmpty(t, s3url["a.js"])
	require.Equal(t, filediff.Diff("", "x"), diff["b.js"])
}

func TestPipeline_LegacyPayloadWhenMultipleFilesOff(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{
		files:         map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "console.log(1)"}},
		sdkVersion:    "30.0.0",
		multipleFiles: false,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))

	msg := adapter.last().(map[string]interface{})
	require.Equal(t, "console.log(1)", msg["code"])
	_, hasDiff := msg["diff"]
	require.False(t, hasDiff)
}

func TestPipeline_PublishNowNoOpWhileResolving(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{
		files:         map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}},
		sdkVersion:    "40.0.0",
		multipleFiles: true,
		resolving:     true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))
	require.Equal(t, 0, adapter.count())
}

func TestPipeline_PublishesLoadingMessageInstead(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	msg := "Installing dependencies"
	source := &fakeSource{
		files:          map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}},
		sdkVersion:     "40.0.0",
		multipleFiles:  true,
		loadingMessage: &msg,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))

	got := adapter.last().(map[string]interface{})
	require.Equal(t, "LOADING_MESSAGE", got["type"])
	require.Equal(t, msg, got["message"])
}

func TestPipeline_LoadingMessageStillPublishedWhileResolving(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	msg := "Installing dependencies"
	source := &fakeSource{
		files:          map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}},
		sdkVersion:     "40.0.0",
		multipleFiles:  true,
		loadingMessage: &msg,
		resolving:      true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))

	got := adapter.last().(map[string]interface{})
	require.Equal(t, "LOADING_MESSAGE", got["type"])
}

func TestPipeline_StopClearsUploadsAndUnsubscribes(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{
		files:         map[string]snackfile.File{"app.js": {Type: snackfile.AssetFile, Contents: []byte("binary")}},
		sdkVersion:    "40.0.0",
		multipleFiles: true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))
	require.NotEmpty(t, p.ledger.S3URL["app.js"])

	require.NoError(t, p.StopAsync())
	require.Empty(t, p.ledger.S3URL)
	require.False(t, adapter.subscribed["chan-1"])
}

func TestPipeline_RemovedFileStopsBeingRepublished(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{
		files: map[string]snackfile.File{
			"app.js":  {Type: snackfile.CodeFile, Contents: "console.log(1)"},
			"gone.js": {Type: snackfile.CodeFile, Contents: "console.log(2)"},
		},
		sdkVersion:    "40.0.0",
		multipleFiles: true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))
	require.NoError(t, p.PublishNow(context.Background()))

	msg := adapter.last().(map[string]interface{})
	diff := msg["diff"].(map[string]string)
	require.Contains(t, diff, "gone.js")

	// gone.js is removed from the bundle; the next publish must not keep
	// re-sending its stale diff (it was never spilled, so it only ever had
	// a Diff entry, not an S3Code/S3URL one).
	delete(source.files, "gone.js")
	require.NoError(t, p.PublishNow(context.Background()))

	msg = adapter.last().(map[string]interface{})
	diff = msg["diff"].(map[string]string)
	require.NotContains(t, diff, "gone.js")
}

func TestNew_NotVerbose_SuppressesWarnLevel(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{files: map[string]snackfile.File{}, multipleFiles: true}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, false)
	require.False(t, p.logger.Logger.IsLevelEnabled(logrus.WarnLevel))
}

func TestNew_Verbose_EnablesWarnLevel(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{files: map[string]snackfile.File{}, multipleFiles: true}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.True(t, p.logger.Logger.IsLevelEnabled(logrus.WarnLevel))
}

func TestPipeline_ScheduleDebouncesTrailingOnly(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{
		files:         map[string]snackfile.File{"app.js": {Type: snackfile.CodeFile, Contents: "x"}},
		sdkVersion:    "40.0.0",
		multipleFiles: true,
	}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)
	require.NoError(t, p.StartAsync(context.Background()))

	// Repeated Schedule calls inside the window collapse into one trailing
	// publish once the window elapses with no further call.
	p.Schedule(context.Background())
	p.Schedule(context.Background())
	p.Schedule(context.Background())
	require.Equal(t, 0, adapter.count())

	require.Eventually(t, func() bool { return adapter.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, 1, adapter.count())
}

func TestPipeline_PublishNowNoOpBeforeStart(t *testing.T) {
	adapter := newFakeAdapter()
	store := objectstore.NewFakeStore()
	source := &fakeSource{files: map[string]snackfile.File{}, multipleFiles: true}
	p := New(adapter, store, "chan-1", source, immediateEnqueue, true)

	require.NoError(t, p.PublishNow(context.Background()))
	require.Equal(t, 0, adapter.count())
}

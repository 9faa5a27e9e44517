package snacksession

import (
	"context"
	"crypto/sha1"
	"fmt"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/starryskadi/snack-sdk/depengine"
	"github.com/starryskadi/snack-sdk/feature"
	"github.com/starryskadi/snack-sdk/objectstore"
	"github.com/starryskadi/snack-sdk/publish"
	"github.com/starryskadi/snack-sdk/restapi"
	"github.com/starryskadi/snack-sdk/snackfile"
	"github.com/starryskadi/snack-sdk/transport"
)

// metadataTuple is the value-typed snapshot isSaved compares against,
// covering every field construction and saveAsync capture. It is
// reflect.DeepEqual-comparable with no pointers, per the deep-snapshot
// requirement.
type metadataTuple struct {
	Files        map[string]snackfile.Snapshot
	Name         string
	Description  string
	Dependencies map[string]string
	SDKVersion   string
}

// StateSnapshot is returned by GetState: the current metadata plus the
// two derived flags listeners and hosts care about.
type StateSnapshot struct {
	Files             map[string]snackfile.File
	Dependencies      map[string]string
	SDKVersion        string
	Name              string
	Description       string
	Channel           string
	SnackID           string
	IsSaved           bool
	IsResolving       bool
	LoadingMessage    string
	HasLoadingMessage bool
}

// Session is the live coding session façade (C9). All exported methods
// are safe to call from any goroutine: they marshal onto a single
// internal dispatch goroutine, so the session's own state is never
// accessed concurrently (see publish.Pipeline and depengine.Engine for
// the two collaborators it drives from that same goroutine).
type Session struct {
	channel string
	host    string
	snackID string

	files        map[string]snackfile.File
	dependencies map[string]string
	sdkVersion   string
	name         string
	description  string
	initialState metadataTuple

	isResolving    bool
	loadingMessage *string

	store         objectstore.Store
	engine        *depengine.Engine
	pipeline      *publish.Pipeline
	fingerprinter Fingerprinter
	rest          *restapi.Client
	logger        *logrus.Entry

	errorListeners    []slot[func(ErrorEvent)]
	logListeners      []slot[func(LogEvent)]
	presenceListeners []slot[func(transport.PresenceEvent)]
	stateListeners    []slot[func(StateSnapshot)]

	commands chan func()
}

// New constructs a session, validates cfg, snapshots initial state, wires
// transport callbacks, and (if ARBITRARY_IMPORTS is enabled for
// cfg.SDKVersion) kicks an initial dependency resolution without awaiting
// it.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		channel:       cfg.resolveSessionID(),
		host:          cfg.resolveHost(),
		snackID:       cfg.SnackID,
		files:         copyFiles(cfg.Files),
		dependencies:  copyDeps(cfg.Dependencies),
		sdkVersion:    cfg.resolveSDKVersion(),
		name:          cfg.Name,
		description:   cfg.Description,
		store:         cfg.Store,
		fingerprinter: cfg.resolveFingerprinter(),
		rest:          restapi.New(cfg.resolveExpoAPIURL(), cfg.AuthorizationToken),
		commands:      make(chan func(), 64),
		logger:        newSessionLogger(cfg.Verbose),
	}
	if len(s.channel) < minChannelLength {
		return nil, fmt.Errorf("snacksession: channel %q is shorter than %d characters", s.channel, minChannelLength)
	}
	s.initialState = s.snapshotMetadata()

	if cfg.Bundler != nil {
		s.engine = depengine.New(cfg.Bundler, cfg.CDNBaseURL, cfg.resolveCacheSize(), cfg.Verbose)
	}

	s.pipeline = publish.New(adapterShim{cfg.Adapter}, cfg.Store, s.channel, s, s.enqueue, cfg.Verbose)

	cfg.Adapter.OnMessage(func(m transport.Message) { s.enqueue(func() { s.handleMessage(context.Background(), m) }) })
	cfg.Adapter.OnPresence(func(e transport.PresenceEvent) { s.enqueue(func() { s.handlePresence(context.Background(), e) }) })
	cfg.Adapter.OnStatus(func(e transport.StatusEvent) { s.enqueue(func() { s.handleStatus(context.Background(), e) }) })

	go s.run()

	if s.engine != nil && feature.Supports(s.sdkVersion, feature.ArbitraryImports) {
		s.enqueue(func() { s.runResolution(context.Background()) })
	}

	return s, nil
}

func (s *Session) run() {
	for cmd := range s.commands {
		cmd()
	}
}

// newSessionLogger builds the session's own *logrus.Logger instance (not
// the global one), with its level raised above Warn when verbose is
// false: transport publish failures are logged but never retried, so they
// only surface when the caller opts into verbose mode.
func newSessionLogger(verbose bool) *logrus.Entry {
	l := logrus.New()
	if !verbose {
		l.SetLevel(logrus.ErrorLevel)
	}
	return l.WithField("component", "snacksession")
}

func (s *Session) enqueue(fn func()) {
	s.commands <- fn
}

// do runs fn on the dispatch goroutine and blocks until it returns.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	s.enqueue(func() {
		fn()
		close(done)
	})
	<-done
}

// adapterShim narrows transport.Adapter to the smaller interface
// publish.Pipeline depends on, converting its PublishResult into a plain
// error.
type adapterShim struct {
	transport.Adapter
}

func (a adapterShim) Publish(ctx context.Context, channel string, message interface{}) error {
	return a.Adapter.Publish(ctx, channel, message).Err
}

// --- publish.Source ---

func (s *Session) Files() map[string]snackfile.File { return copyFiles(s.files) }
func (s *Session) SDKVersion() string               { return s.sdkVersion }
func (s *Session) SupportsMultipleFiles() bool {
	return feature.Supports(s.sdkVersion, feature.MultipleFiles)
}
func (s *Session) IsResolving() bool { return s.isResolving }
func (s *Session) Fingerprint() publish.Fingerprint {
	return s.fingerprinter.Probe(context.Background())
}
func (s *Session) LoadingMessage() (string, bool) {
	if s.loadingMessage == nil {
		return "", false
	}
	return *s.loadingMessage, true
}

// --- depengine.FileProvider / Committer ---

func (s *Session) JSFiles() map[string]string {
	out := make(map[string]string)
	for key, f := range s.files {
		if !strings.HasSuffix(key, ".js") {
			continue
		}
		if code, ok := f.Contents.(string); ok {
			out[key] = code
		}
	}
	return out
}

func (s *Session) Dependencies() map[string]string { return copyDeps(s.dependencies) }

func (s *Session) BeginLoading(message string) {
	s.loadingMessage = &message
	s.emitState()
	if err := s.pipeline.PublishNow(context.Background()); err != nil {
		s.logger.WithError(err).Warn("snacksession: loading notification publish failed")
	}
}

func (s *Session) EndLoading() {
	s.loadingMessage = nil
	s.emitState()
}

func (s *Session) ApplyRewrite(key, newCode, expectedOriginal string) bool {
	f, ok := s.files[key]
	if !ok {
		return false
	}
	cur, ok := f.Contents.(string)
	if !ok || cur != expectedOriginal {
		return false
	}
	s.files[key] = snackfile.File{Type: f.Type, Contents: newCode}
	return true
}

func (s *Session) CommitDependencies(pins map[string]string) {
	for name, version := range pins {
		s.dependencies[name] = version
	}
	s.emitState()
}

func (s *Session) NotifyDependencyError(name, version, message string) {
	s.emitError(ErrorEvent{Message: fmt.Sprintf("dependency %s@%s: %s", name, version, message)})
}

func (s *Session) runResolution(ctx context.Context) {
	if s.isResolving || s.engine == nil {
		return
	}
	s.isResolving = true
	s.emitState()
	defer func() {
		s.isResolving = false
		s.loadingMessage = nil
		s.emitState()
	}()

	if err := s.engine.Resolve(ctx, s, s); err != nil {
		s.logger.WithError(err).Warn("snacksession: dependency resolution failed")
	}
}

// --- transport callbacks ---

func (s *Session) handleMessage(ctx context.Context, m transport.Message) {
	switch m.Type {
	case transport.MessageResendCode:
		if err := s.pipeline.PublishNow(ctx); err != nil {
			s.logger.WithError(err).Warn("snacksession: resend publish failed")
		}
	case transport.MessageConsole:
		s.emitLog(LogEvent{Device: m.Device, Method: m.Method, Payload: m.Payload})
	case transport.MessageError:
		s.emitError(ErrorEvent{Device: m.Device, Message: m.Error})
	}
}

// handlePresence decodes the raw subscriber identifier and drops events
// from anything that isn't a device: other subscribers on the channel must
// not produce spurious join/leave notifications or trigger resends.
func (s *Session) handlePresence(ctx context.Context, e transport.PresenceEvent) {
	device, ok := transport.DecodeDevice(e.Device)
	if !ok {
		return
	}
	s.emitPresence(transport.PresenceEvent{Action: e.Action, Device: device})
	if e.Action == transport.PresenceJoin {
		if err := s.pipeline.PublishNow(ctx); err != nil {
			s.logger.WithError(err).Warn("snacksession: join publish failed")
		}
	}
}

func (s *Session) handleStatus(ctx context.Context, e transport.StatusEvent) {
	if e.Kind == transport.StatusUp {
		if err := s.pipeline.Resubscribe(ctx); err != nil {
			s.logger.WithError(err).Warn("snacksession: resubscribe failed")
		}
	}
}

// --- public operations ---

// StartAsync subscribes the channel. Idempotent after the first call.
func (s *Session) StartAsync(ctx context.Context) error {
	var err error
	s.do(func() { err = s.pipeline.StartAsync(ctx) })
	return err
}

// StopAsync unsubscribes and clears the object-store ledger.
func (s *Session) StopAsync() error {
	var err error
	s.do(func() { err = s.pipeline.StopAsync() })
	return err
}

// SendCodeAsync reconciles the session's files with files: keys missing
// from files are deleted, changed keys are overwritten, and any ASSET
// file holding a pending binary blob is uploaded inline before the
// publish is scheduled.
func (s *Session) SendCodeAsync(ctx context.Context, files map[string]snackfile.File) error {
	var uploadErr error
	s.do(func() {
		for key := range s.files {
			if _, ok := files[key]; !ok {
				delete(s.files, key)
			}
		}
		for key, f := range files {
			if f.Type == snackfile.AssetFile {
				if blob, ok := f.Contents.([]byte); ok {
					url, err := s.uploadBlob(ctx, blob)
					if err != nil {
						s.logger.WithError(err).WithField("key", key).Warn("snacksession: inline asset upload failed, leaving blob pending")
						uploadErr = err
					} else {
						f.Contents = url
					}
				}
			}
			s.files[key] = f
		}
		s.pipeline.Schedule(ctx)
		s.emitState()

		if s.engine != nil && feature.Supports(s.sdkVersion, feature.ArbitraryImports) {
			s.runResolution(ctx)
		}
	})
	return uploadErr
}

func (s *Session) uploadBlob(ctx context.Context, blob []byte) (string, error) {
	sum := sha1.Sum(blob)
	return s.store.Put(ctx, fmt.Sprintf("%x", sum), blob)
}

// SetSdkVersion mutates the SDK version and, if ARBITRARY_IMPORTS is
// enabled for the new version, triggers a dependency resolution.
func (s *Session) SetSdkVersion(sdkVersion string) {
	s.do(func() {
		s.sdkVersion = sdkVersion
		s.emitState()
		if s.engine != nil && feature.Supports(s.sdkVersion, feature.ArbitraryImports) {
			s.runResolution(context.Background())
		}
	})
}

// SetName mutates the session's display name.
func (s *Session) SetName(name string) {
	s.do(func() {
		s.name = name
		s.emitState()
	})
}

// SetDescription mutates the session's description.
func (s *Session) SetDescription(description string) {
	s.do(func() {
		s.description = description
		s.emitState()
	})
}

// GetState returns a consistent snapshot of the session's current
// metadata, isSaved, and isResolving.
func (s *Session) GetState() StateSnapshot {
	var snap StateSnapshot
	s.do(func() { snap = s.buildSnapshot() })
	return snap
}

func (s *Session) buildSnapshot() StateSnapshot {
	snap := StateSnapshot{
		Files:        copyFiles(s.files),
		Dependencies: copyDeps(s.dependencies),
		SDKVersion:   s.sdkVersion,
		Name:         s.name,
		Description:  s.description,
		Channel:      s.channel,
		SnackID:      s.snackID,
		IsResolving:  s.isResolving,
		IsSaved:      reflect.DeepEqual(s.snapshotMetadata(), s.initialState),
	}
	if s.loadingMessage != nil {
		snap.LoadingMessage = *s.loadingMessage
		snap.HasLoadingMessage = true
	}
	return snap
}

// MarkSaved re-captures initialState, called after a successful saveAsync
// so isSaved becomes true again.
func (s *Session) MarkSaved() {
	s.do(func() { s.initialState = s.snapshotMetadata() })
}

func (s *Session) snapshotMetadata() metadataTuple {
	files := make(map[string]snackfile.Snapshot, len(s.files))
	for k, f := range s.files {
		files[k] = snackfile.ToSnapshot(f)
	}
	return metadataTuple{
		Files:        files,
		Name:         s.name,
		Description:  s.description,
		Dependencies: copyDeps(s.dependencies),
		SDKVersion:   s.sdkVersion,
	}
}

// --- listener registration ---

func (s *Session) AddErrorListener(fn func(ErrorEvent)) *Subscription {
	var idx int
	s.do(func() {
		s.errorListeners = append(s.errorListeners, slot[func(ErrorEvent)]{fn})
		idx = len(s.errorListeners) - 1
	})
	return &Subscription{remove: func() { s.enqueue(func() { s.errorListeners[idx].fn = nil }) }}
}

func (s *Session) AddLogListener(fn func(LogEvent)) *Subscription {
	var idx int
	s.do(func() {
		s.logListeners = append(s.logListeners, slot[func(LogEvent)]{fn})
		idx = len(s.logListeners) - 1
	})
	return &Subscription{remove: func() { s.enqueue(func() { s.logListeners[idx].fn = nil }) }}
}

func (s *Session) AddPresenceListener(fn func(transport.PresenceEvent)) *Subscription {
	var idx int
	s.do(func() {
		s.presenceListeners = append(s.presenceListeners, slot[func(transport.PresenceEvent)]{fn})
		idx = len(s.presenceListeners) - 1
	})
	return &Subscription{remove: func() { s.enqueue(func() { s.presenceListeners[idx].fn = nil }) }}
}

func (s *Session) AddStateListener(fn func(StateSnapshot)) *Subscription {
	var idx int
	s.do(func() {
		s.stateListeners = append(s.stateListeners, slot[func(StateSnapshot)]{fn})
		idx = len(s.stateListeners) - 1
	})
	return &Subscription{remove: func() { s.enqueue(func() { s.stateListeners[idx].fn = nil }) }}
}

func (s *Session) emitError(e ErrorEvent) {
	for _, l := range s.errorListeners {
		if l.fn != nil {
			l.fn(e)
		}
	}
}

func (s *Session) emitLog(e LogEvent) {
	for _, l := range s.logListeners {
		if l.fn != nil {
			l.fn(e)
		}
	}
}

func (s *Session) emitPresence(e transport.PresenceEvent) {
	for _, l := range s.presenceListeners {
		if l.fn != nil {
			l.fn(e)
		}
	}
}

func (s *Session) emitState() {
	snap := s.buildSnapshot()
	for _, l := range s.stateListeners {
		if l.fn != nil {
			l.fn(snap)
		}
	}
}

// GetUrlAsync builds the editor share link for this session's channel. It
// makes no network call.
func (s *Session) GetUrlAsync() string {
	var url string
	s.do(func() { url = restapi.URL(s.host, s.channel) })
	return url
}

// SaveAsync persists the current bundle to the host's save endpoint and
// marks the session saved on success.
func (s *Session) SaveAsync(ctx context.Context) (string, error) {
	var (
		id  string
		err error
	)
	s.do(func() {
		manifest := restapi.Manifest{
			SDKVersion:   s.sdkVersion,
			Name:         s.name,
			Description:  s.description,
			Dependencies: copyDeps(s.dependencies),
		}
		code := make(map[string]interface{}, len(s.files))
		for k, f := range s.files {
			code[k] = f.Contents
		}
		id, err = s.rest.Save(ctx, manifest, code)
		if err == nil {
			s.snackID = id
			s.initialState = s.snapshotMetadata()
		}
	})
	return id, err
}

// DownloadAsync fetches a previously saved snack's bundle by ID.
func (s *Session) DownloadAsync(ctx context.Context, snackID string) ([]byte, error) {
	return s.rest.Download(ctx, snackID)
}

// UploadAssetAsync uploads a raw asset blob through the host's asset
// endpoint and returns its URL, bypassing the session's own object store.
func (s *Session) UploadAssetAsync(ctx context.Context, contents []byte) (string, error) {
	return s.rest.UploadAsset(ctx, contents)
}

func copyFiles(in map[string]snackfile.File) map[string]snackfile.File {
	out := make(map[string]snackfile.File, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDeps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

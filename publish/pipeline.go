package publish

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/starryskadi/snack-sdk/filediff"
	"github.com/starryskadi/snack-sdk/objectstore"
	"github.com/starryskadi/snack-sdk/snackfile"
)

// debounceInterval is the trailing-only debounce window on Schedule.
const debounceInterval = 500 * time.Millisecond

// State is a Pipeline's position in its one-way lifecycle (the one
// exception being STARTED re-subscribing on a network-up status event,
// which does not change State).
type State int

const (
	Created State = iota
	Started
	Stopped
)

// Source supplies the Pipeline with everything it needs to build a
// snapshot, without the Pipeline owning any of that state itself: the
// session façade is the single owner of files/sdkVersion/loadingMessage,
// and the Pipeline only ever reads it at publish time.
type Source interface {
	Files() map[string]snackfile.File
	SDKVersion() string
	SupportsMultipleFiles() bool
	LoadingMessage() (string, bool)
	IsResolving() bool
	Fingerprint() Fingerprint
}

// Adapter is the subset of transport.Adapter the pipeline depends on. It
// is expressed locally (rather than importing package transport's
// interface directly) so publish has no compile-time dependency on the
// transport package's message/presence types it never touches.
type Adapter interface {
	Subscribe(ctx context.Context, channel string, withPresence bool) error
	Unsubscribe(channel string) error
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Pipeline is the publication pipeline: it owns the spill ledger, the
// debounce timer, and the CREATED/STARTED/STOPPED lifecycle. A Pipeline is
// only ever called from the session's single dispatch goroutine; it has no
// internal locking of its own beyond what's needed to make the debounce
// timer's callback re-enter that goroutine safely.
type Pipeline struct {
	adapter Adapter
	store   objectstore.Store
	channel string
	source  Source
	enqueue func(func())

	ledger *Ledger

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	logger *logrus.Entry
}

// New builds a Pipeline in the CREATED state. enqueue is called whenever
// the debounce timer fires, and must run its argument on the same logical
// thread as every other Pipeline call (the session's dispatch loop).
//
// verbose gates the pipeline's own logger: publish/spill failures are only
// ever surfaced through logs (there is no retry), so when verbose is false
// the logger's level is raised above Warn and those failures are silent.
func New(adapter Adapter, store objectstore.Store, channel string, source Source, enqueue func(func()), verbose bool) *Pipeline {
	return &Pipeline{
		adapter: adapter,
		store:   store,
		channel: channel,
		source:  source,
		enqueue: enqueue,
		ledger:  NewLedger(),
		state:   Created,
		logger:  newPipelineLogger(channel, verbose),
	}
}

func newPipelineLogger(channel string, verbose bool) *logrus.Entry {
	l := logrus.New()
	if !verbose {
		l.SetLevel(logrus.ErrorLevel)
	}
	return l.WithField("channel", channel)
}

// State reports the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartAsync subscribes the channel and moves to STARTED. Idempotent after
// the first call.
func (p *Pipeline) StartAsync(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Created {
		p.mu.Unlock()
		return nil
	}
	p.state = Started
	p.mu.Unlock()

	return p.adapter.Subscribe(ctx, p.channel, true)
}

// Resubscribe re-subscribes without changing State; used when transport
// status reports the network came back up while STARTED.
func (p *Pipeline) Resubscribe(ctx context.Context) error {
	if p.State() != Started {
		return nil
	}
	return p.adapter.Subscribe(ctx, p.channel, true)
}

// StopAsync unsubscribes and clears the object-store ledger, forcing a
// full re-spill on any future publish.
func (p *Pipeline) StopAsync() error {
	p.mu.Lock()
	p.state = Stopped
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.ledger.ClearUploads()
	return p.adapter.Unsubscribe(p.channel)
}

// Schedule debounces a publish with a 500ms trailing interval: repeated
// calls within the window collapse into a single PublishNow once the
// window elapses with no further call.
func (p *Pipeline) Schedule(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Started {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(debounceInterval, func() {
		p.enqueue(func() {
			if err := p.PublishNow(ctx); err != nil {
				p.logger.WithError(err).Warn("debounced publish failed")
			}
		})
	})
}

// PublishNow publishes immediately, bypassing the debounce timer. Called
// (undebounced) on RESEND_CODE, on a device join, and whenever a loading
// notification must be sent. The loading message is checked before the
// isResolving guard: a resolution run sets both, and its loading
// notification must still go out — only code publishes are suppressed
// while a resolution is in progress.
func (p *Pipeline) PublishNow(ctx context.Context) error {
	if p.State() != Started {
		return nil
	}
	if msg, ok := p.source.LoadingMessage(); ok {
		return p.publishLoadingMessage(ctx, msg)
	}
	if p.source.IsResolving() {
		return nil
	}
	return p.publishCode(ctx)
}

func (p *Pipeline) publishLoadingMessage(ctx context.Context, message string) error {
	payload := map[string]interface{}{
		"type":    "LOADING_MESSAGE",
		"message": message,
	}
	if err := p.adapter.Publish(ctx, p.channel, payload); err != nil {
		p.logger.WithError(err).Warn("publish failed")
		return nil
	}
	return nil
}

func (p *Pipeline) publishCode(ctx context.Context) error {
	files := p.source.Files()
	metadata := newMetadata(p.source.SDKVersion(), p.source.Fingerprint())

	var payload interface{}
	if p.source.SupportsMultipleFiles() {
		diff, s3url, err := p.buildSnapshot(ctx, files, metadata)
		if err != nil {
			return err
		}
		payload = map[string]interface{}{
			"type":     "CODE",
			"diff":     diff,
			"s3url":    s3url,
			"metadata": metadata,
		}
	} else {
		var code interface{}
		if f, ok := files["app.js"]; ok {
			code = f.Contents
		}
		payload = map[string]interface{}{
			"type":     "CODE",
			"code":     code,
			"metadata": metadata,
		}
	}

	if err := p.adapter.Publish(ctx, p.channel, payload); err != nil {
		p.logger.WithError(err).Warn("publish failed")
	}
	return nil
}

// buildSnapshot runs the three-step snapshot construction algorithm: it
// reconciles the ledger against the current file set, diffs or spills
// every file, then spills largest-first until the estimated payload fits
// under MaxPayloadBytes.
func (p *Pipeline) buildSnapshot(ctx context.Context, files map[string]snackfile.File, metadata Metadata) (map[string]string, map[string]string, error) {
	keys := make(map[string]struct{}, len(files))
	for k := range files {
		keys[k] = struct{}{}
	}
	p.ledger.Reconcile(keys)

	for key, f := range files {
		if err := p.populateLedgerEntry(ctx, key, f); err != nil {
			return nil, nil, err
		}
	}

	if err := p.spillUntilFits(ctx, files, metadata); err != nil {
		return nil, nil, err
	}

	diff := make(map[string]string, len(p.ledger.Diff))
	for k, v := range p.ledger.Diff {
		diff[k] = v
	}
	s3url := make(map[string]string, len(p.ledger.S3URL))
	for k, v := range p.ledger.S3URL {
		s3url[k] = v
	}
	return diff, s3url, nil
}

func (p *Pipeline) populateLedgerEntry(ctx context.Context, key string, f snackfile.File) error {
	switch contents := f.Contents.(type) {
	case []byte:
		url, err := p.upload(ctx, contents)
		if err != nil {
			p.logger.WithError(err).WithField("key", key).Warn("spill upload failed, leaving file un-spilled this round")
			return nil
		}
		p.ledger.S3Code[key] = string(contents)
		p.ledger.S3URL[key] = url
		p.ledger.Diff[key] = ""
		return nil
	case string:
		if snackfile.IsObjectStoreURL(contents) {
			p.ledger.S3Code[key] = contents
			p.ledger.S3URL[key] = contents
			p.ledger.Diff[key] = ""
			return nil
		}
		if _, uploaded := p.ledger.S3URL[key]; uploaded {
			p.ledger.Diff[key] = filediff.Diff(p.ledger.S3Code[key], contents)
			return nil
		}
		p.ledger.Diff[key] = filediff.Diff("", contents)
		return nil
	default:
		return nil
	}
}

// spillUntilFits iteratively uploads the largest remaining non-uploaded
// file until the estimated publish size is under MaxPayloadBytes or there
// is nothing left to spill. Tie-breaking among equal-size candidates
// follows map iteration order; devices don't care which of two equal
// files went to object storage.
func (p *Pipeline) spillUntilFits(ctx context.Context, files map[string]snackfile.File, metadata Metadata) error {
	for {
		size := filediff.Size(p.channel, map[string]interface{}{
			"type":     "CODE",
			"diff":     p.ledger.Diff,
			"s3url":    p.ledger.S3URL,
			"metadata": metadata,
		})
		if size <= MaxPayloadBytes {
			return nil
		}

		key, contents, ok := p.largestSpillCandidate(files)
		if !ok {
			return nil
		}

		url, err := p.upload(ctx, []byte(contents))
		if err != nil {
			p.logger.WithError(err).WithField("key", key).Warn("spill upload failed, payload may remain oversized")
			return nil
		}
		p.ledger.S3Code[key] = contents
		p.ledger.S3URL[key] = url
		p.ledger.Diff[key] = ""
	}
}

func (p *Pipeline) largestSpillCandidate(files map[string]snackfile.File) (string, string, bool) {
	type candidate struct {
		key      string
		contents string
	}
	var candidates []candidate
	for key, f := range files {
		if p.ledger.Diff[key] == "" {
			continue // already spilled or not a plain-string file
		}
		s, ok := f.Contents.(string)
		if !ok || snackfile.IsObjectStoreURL(s) {
			continue
		}
		candidates = append(candidates, candidate{key, s})
	}
	if len(candidates) == 0 {
		return "", "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].contents) > len(candidates[j].contents)
	})
	return candidates[0].key, candidates[0].contents, true
}

func (p *Pipeline) upload(ctx context.Context, contents []byte) (string, error) {
	sum := sha1.Sum(contents)
	key := fmt.Sprintf("%x", sum)
	return p.store.Put(ctx, key, contents)
}

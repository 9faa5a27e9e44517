// Command snack-host wires a Session to the in-memory transport and object
// store so the publish/presence/resend flows can be exercised by hand,
// without live GCP/Redis credentials. It is a manual-test harness, not a
// deployable host: a real embedding host supplies transport.PubSubAdapter,
// transport.PresenceTracker, and objectstore.GCSStore instead.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/starryskadi/snack-sdk/objectstore"
	"github.com/starryskadi/snack-sdk/snackfile"
	"github.com/starryskadi/snack-sdk/snacksession"
	"github.com/starryskadi/snack-sdk/transport"
)

func main() {
	sessionID := flag.String("session", "demo-01", "session channel identifier (min 6 characters)")
	sdkVersion := flag.String("sdk", "40.0.0", "SDK version advertised to the feature table")
	verbose := flag.Bool("verbose", false, "log publish and import-scan failures")
	flag.Parse()

	log := logrus.WithField("cmd", "snack-host")

	adapter := transport.NewMemoryAdapter()
	session, err := snacksession.New(snacksession.Config{
		Files: map[string]snackfile.File{
			"App.js": {Type: snackfile.CodeFile, Contents: "export default function App() {\n  return null;\n}\n"},
		},
		SessionID:  *sessionID,
		SDKVersion: *sdkVersion,
		Verbose:    *verbose,
		Adapter:    adapter,
		Store:      objectstore.NewFakeStore(),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to construct session")
	}

	session.AddStateListener(func(state snacksession.StateSnapshot) {
		log.WithFields(logrus.Fields{
			"isSaved":     state.IsSaved,
			"isResolving": state.IsResolving,
			"files":       len(state.Files),
		}).Info("state changed")
	})
	session.AddPresenceListener(func(e transport.PresenceEvent) {
		log.WithFields(logrus.Fields{"device": e.Device, "action": e.Action}).Info("presence event")
	})
	session.AddLogListener(func(e snacksession.LogEvent) {
		log.WithFields(logrus.Fields{"device": e.Device, "method": e.Method}).Info("device log")
	})
	session.AddErrorListener(func(e snacksession.ErrorEvent) {
		log.WithField("device", e.Device).Warn(e.Message)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.StartAsync(ctx); err != nil {
		log.WithError(err).Fatal("failed to start session")
	}
	log.WithField("url", session.GetUrlAsync()).Info("session started")

	<-ctx.Done()
	if err := session.StopAsync(); err != nil {
		log.WithError(err).Warn("failed to stop session cleanly")
	}
}

// Package natstest runs an in-process JetStream server for tests.
package natstest

import (
	"net"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
)

// RunJetStream starts a JetStream-enabled server on a random port with its
// store in a temporary directory. The server is shut down on test cleanup.
func RunJetStream(tb testing.TB) *server.Server {
	tb.Helper()
	return RunJetStreamAt(tb, -1, tb.TempDir())
}

// RunJetStreamAt starts a JetStream-enabled server on port with its store in
// storeDir. Port -1 picks a free port. Starting a second server on the port
// and store of a stopped one brings back its streams and consumers.
func RunJetStreamAt(tb testing.TB, port int, storeDir string) *server.Server {
	tb.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = port
	opts.JetStream = true
	opts.StoreDir = storeDir

	srv := natsserver.RunServer(&opts)
	tb.Cleanup(srv.Shutdown)
	return srv
}

// Port returns the client port srv listens on.
func Port(srv *server.Server) int {
	return srv.Addr().(*net.TCPAddr).Port
}

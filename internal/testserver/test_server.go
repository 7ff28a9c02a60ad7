package testserver

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/capacity"
	"github.com/ganot/capalloc/internal/domain/resource"
	"github.com/ganot/capalloc/internal/event"
	"github.com/ganot/capalloc/internal/sqlite"
	"github.com/ganot/capalloc/internal/transport"
	"github.com/stretchr/testify/require"
)

// TestServer is an end-to-end harness: real engine, real in-memory
// ledger, JSON-RPC surface over httptest.
type TestServer struct {
	Server  *httptest.Server
	DB      *sqlite.DB
	Engine  *allocation.Service
	Catalog *resource.StaticCatalog
	Outbox  *sqlite.OutboxRepository
	Token   string
	Actor   string
}

// New starts a test server whose catalog contains the given resources.
func New(t *testing.T, token, actor string, resources ...resource.Resource) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	ledger := sqlite.NewLedgerRepository(db)
	outbox := sqlite.NewOutboxRepository(db)
	snapshots := sqlite.NewSnapshotRepository(db)

	static := resource.NewStaticCatalog(resources)
	catalog := resource.NewCachedCatalog(static, snapshots, time.Minute, nil)
	catalog.Warm(context.Background())

	index := capacity.NewIndex(time.Hour)
	engine := allocation.NewService(ledger, catalog, index, nil)
	require.NoError(t, engine.RestoreIndex(context.Background()))

	handler := transport.NewHandler(engine, catalog)
	resolver := &tokenResolver{tokens: map[string]string{token: actor}}
	server := httptest.NewServer(transport.NewServer(handler, transport.AuthMiddleware(resolver)))

	ts := &TestServer{
		Server:  server,
		DB:      db,
		Engine:  engine,
		Catalog: static,
		Outbox:  outbox,
		Token:   token,
		Actor:   actor,
	}

	t.Cleanup(func() {
		server.Close()
		_ = db.Close()
	})

	return ts
}

// DrainEvents flushes pending outbox events into the given sink.
func (ts *TestServer) DrainEvents(t *testing.T, sink event.Sink) {
	t.Helper()
	dispatcher := event.NewDispatcher(ts.Outbox, sink, nil, time.Second, time.Second, 100)
	dispatcher.Drain(context.Background())
}

type tokenResolver struct {
	tokens map[string]string
}

func (r *tokenResolver) ResolveActor(_ context.Context, token string) (string, error) {
	actor, ok := r.tokens[token]
	if !ok {
		return "", transport.ErrUnauthorized
	}
	return actor, nil
}

// Package storetest opens throwaway databases and seeds rows for tests.
// Seed fields that are left empty get sensible defaults.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

var seq atomic.Int64

// New opens an empty database in a temporary directory.
func New(t testing.TB) store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func Node(t testing.TB, db store.Store, seed model.Node) model.Node {
	t.Helper()
	n := seq.Add(1)
	if seed.Name == "" {
		seed.Name = fmt.Sprintf("node-%d", n)
	}
	if seed.Address == "" {
		seed.Address = "127.0.0.1"
	}
	if seed.Port == 0 {
		seed.Port = 53042
	}
	if seed.UsageCoefficient == 0 {
		seed.UsageCoefficient = 1
	}
	node, err := db.InsertNode(context.Background(), seed)
	require.NoError(t, err)
	return node
}

func User(t testing.TB, db store.Store, seed model.User) model.User {
	t.Helper()
	n := seq.Add(1)
	if seed.Username == "" {
		seed.Username = fmt.Sprintf("user-%d", n)
	}
	if seed.Key == "" {
		seed.Key = fmt.Sprintf("key-%d", n)
	}
	seed.Enabled = true
	user, err := db.InsertUser(context.Background(), seed)
	require.NoError(t, err)
	return user
}

// Inbound creates (or reuses) the inbound tag on nodeID and entitles users to it.
func Inbound(t testing.TB, db store.Store, nodeID int64, tag string, users ...model.User) model.Inbound {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertNodeInbounds(ctx, nodeID, []model.Inbound{{Tag: tag, Protocol: "vless"}}))
	in, err := db.GetInbound(ctx, nodeID, tag)
	require.NoError(t, err)
	for _, u := range users {
		require.NoError(t, db.AddUserInbound(ctx, u.ID, in.ID))
	}
	return in
}

func Ptr[T any](v T) *T {
	return &v
}

package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/quantumshield/backend/internal/app/domain/token"
	"github.com/quantumshield/backend/internal/app/storage"
)

func TestDocumentConversionRoundTrip(t *testing.T) {
	in := []byte(`{"id":"USD:alice","symbol":"USD","amount":1500,"tags":["a","b"],"nested":{"ok":true}}`)
	d, err := toDocument("USD:alice", 7, in)
	require.NoError(t, err)
	require.Equal(t, "_id", d[0].Key)
	require.Equal(t, "_seq", d[1].Key)

	out, err := fromDocument(d)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))

	var bal token.Balance
	require.NoError(t, json.Unmarshal(out, &bal))
	assert.Equal(t, uint64(1500), bal.Amount)
}

func TestBuildFind(t *testing.T) {
	query, opts := buildFind(storage.Filter{
		Equals:  map[string]any{"status": "pending"},
		After:   "00000000000000000005",
		Limit:   3,
		Reverse: true,
	})
	assert.Equal(t, "pending", query["status"])
	assert.Equal(t, bson.M{"$gt": "00000000000000000005"}, query["_id"])
	require.NotNil(t, opts.Limit)
	assert.Equal(t, int64(3), *opts.Limit)
	assert.Equal(t, bson.D{{Key: "_seq", Value: -1}}, opts.Sort)
}

func TestBackendIntegration(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo integration test")
	}
	ctx := context.Background()
	b, err := Open(ctx, uri, "quantumshield_test")
	require.NoError(t, err)
	defer b.Close()
	_ = b.db.Drop(ctx)

	store := storage.NewStore(b)
	_, err = store.CreateToken(ctx, token.Token{Symbol: "QSC", Name: "Shield", Kind: token.KindFungible})
	require.NoError(t, err)
	_, err = store.CreateToken(ctx, token.Token{Symbol: "QSC"})
	assert.True(t, errors.Is(err, storage.ErrConflict))

	for _, addr := range []string{"a", "b", "c"} {
		_, err := store.SaveBalance(ctx, token.Balance{Symbol: "QSC", Address: addr, Amount: 10})
		require.NoError(t, err)
	}
	balances, err := store.ListBalances(ctx, "QSC")
	require.NoError(t, err)
	require.Len(t, balances, 3)
	assert.Equal(t, "a", balances[0].Address)
}

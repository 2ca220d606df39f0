package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/kv"
	"github.com/synnergy-mu/cluster/internal/protocol"
)

func TestKVHostPutGetRoundTrip(t *testing.T) {
	client := kv.NewMemClient()
	stackID, err := clusterid.RandomStackID('s')
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, client.UpdateStackTables(ctx, stackID, []string{"users"}))

	host := NewKVHost(client, nil, nil)

	putMsg := reply(protocol.KindKVPut, protocol.KVRequest{Table: "users", Key: []byte("k1"), Value: []byte("v1")})
	putReply := host.Handle(ctx, stackID, putMsg)
	assert.Equal(t, protocol.KindEmptyResult, putReply.Kind)

	getMsg := reply(protocol.KindKVGet, protocol.KVRequest{Table: "users", Key: []byte("k1")})
	getReply := host.Handle(ctx, stackID, getMsg)
	require.Equal(t, protocol.KindSingleResult, getReply.Kind)

	var sr protocol.SingleResult
	require.NoError(t, protocol.Decode(getReply, &sr))
	assert.True(t, sr.Present)
	assert.Equal(t, []byte("v1"), sr.Value)
}

func TestKVHostGetUnknownTableReturnsEmptyResult(t *testing.T) {
	client := kv.NewMemClient()
	stackID, err := clusterid.RandomStackID('s')
	require.NoError(t, err)
	ctx := context.Background()

	host := NewKVHost(client, nil, nil)
	getMsg := reply(protocol.KindKVGet, protocol.KVRequest{Table: "missing", Key: []byte("k")})
	got := host.Handle(ctx, stackID, getMsg)
	assert.Equal(t, protocol.KindSingleResult, got.Kind, "Get against an unknown table returns an empty result, not an error, per MemClient semantics")
}

func TestKVHostStorageWithoutConfigReturnsDBError(t *testing.T) {
	client := kv.NewMemClient()
	stackID, err := clusterid.RandomStackID('s')
	require.NoError(t, err)

	host := NewKVHost(client, nil, nil)
	msg := reply(protocol.KindStorageGet, protocol.StorageRequest{StorageName: "blobs", Key: "a"})
	got := host.Handle(context.Background(), stackID, msg)
	require.Equal(t, protocol.KindDBError, got.Kind)

	var de protocol.DBError
	require.NoError(t, protocol.Decode(got, &de))
	assert.Contains(t, de.Message, "not configured")
}

func TestKVHostHTTPClientRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	}))
	defer srv.Close()

	host := NewKVHost(kv.NewMemClient(), nil, srv.Client())
	msg := reply(protocol.KindHTTPClientRequest, protocol.HTTPClientRequest{Method: http.MethodGet, URL: srv.URL})

	stackID, err := clusterid.RandomStackID('s')
	require.NoError(t, err)
	got := host.Handle(context.Background(), stackID, msg)
	require.Equal(t, protocol.KindHTTPResponse, got.Kind)

	var resp protocol.HTTPClientResponse
	require.NoError(t, protocol.Decode(got, &resp))
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "hi", string(resp.Body))
}

package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientReadRequestRoundTrip(t *testing.T) {
	in := &ClientReadRequest{RequestID: 7, BlockID: 42, ClientAddr: "10.0.0.1:5555"}
	raw, err := in.Serialize()
	require.NoError(t, err)

	out, err := ParseClientReadRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestClientWriteRequestRoundTrip(t *testing.T) {
	in := &ClientWriteRequest{
		RequestID:  8,
		BlockID:    42,
		Data:       []byte{0xCA, 0xFE, 0xBA, 0xBE},
		ClientAddr: "10.0.0.1:5555",
	}
	raw, err := in.Serialize()
	require.NoError(t, err)

	out, err := ParseClientWriteRequest(raw, 4)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestProxyResponsesRoundTrip(t *testing.T) {
	read := &ProxyReadResponse{RequestID: 3, Data: []byte{1, 2, 3, 4}}
	raw, err := read.Serialize()
	require.NoError(t, err)
	gotRead, err := ParseProxyReadResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, read, gotRead)

	write := &ProxyWriteResponse{RequestID: 4, OK: true}
	raw, err = write.Serialize()
	require.NoError(t, err)
	gotWrite, err := ParseProxyWriteResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, write, gotWrite)
}

func TestServerMessagesRoundTrip(t *testing.T) {
	read := &ProxyReadRequest{RelativeLeaf: 6}
	raw, err := read.Serialize()
	require.NoError(t, err)
	gotRead, err := ParseProxyReadRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, read, gotRead)

	write := &ProxyWriteRequest{PathSize: 4, Paths: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	raw, err = write.Serialize()
	require.NoError(t, err)
	gotWrite, err := ParseProxyWriteRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, write, gotWrite)

	resp := &ServerReadResponse{RelativeLeaf: 2, PathBytes: []byte{9, 9, 9}}
	raw, err = resp.Serialize()
	require.NoError(t, err)
	gotResp, err := ParseServerReadResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)

	ack := &ServerWriteResponse{OK: true}
	raw, err = ack.Serialize()
	require.NoError(t, err)
	gotAck, err := ParseServerWriteResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, ack, gotAck)
}

func TestParseTruncatedPayloads(t *testing.T) {
	_, err := ParseClientReadRequest([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = ParseClientWriteRequest(make([]byte, 10), 4)
	assert.Error(t, err)

	_, err = ParseProxyReadRequest(nil)
	assert.Error(t, err)

	_, err = ParseServerWriteResponse(nil)
	assert.Error(t, err)
}

func TestProxyWriteRequestRejectsRaggedBatch(t *testing.T) {
	in := &ProxyWriteRequest{PathSize: 3, Paths: []byte{1, 2, 3, 4}}
	_, err := in.Serialize()
	assert.Error(t, err)

	_, err = ParseProxyWriteRequest([]byte{0, 0, 0, 3, 1, 2, 3, 4})
	assert.Error(t, err)
}

func TestClientAddrValidation(t *testing.T) {
	in := &ClientReadRequest{RequestID: 1, BlockID: 1, ClientAddr: ""}
	_, err := in.Serialize()
	assert.Error(t, err)
}

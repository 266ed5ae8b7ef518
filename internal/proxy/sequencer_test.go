package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildb/veil/internal/transport"
	"github.com/veildb/veil/pkg/messages"
)

type capturedReply struct {
	addr string
	msg  transport.Message
}

func captureReplies() (ReplyFunc, chan capturedReply) {
	ch := make(chan capturedReply, 64)
	return func(addr string, msg transport.Message) error {
		ch <- capturedReply{addr: addr, msg: msg}
		return nil
	}, ch
}

func TestSequencerFIFOUnderOutOfOrderDelivery(t *testing.T) {
	reply, replies := captureReplies()
	seq := NewSequencer(nil, reply)
	go seq.Run()
	defer seq.Close()

	reqs := make([]*ClientRequest, 4)
	for i := range reqs {
		reqs[i] = &ClientRequest{
			RequestID:  uint64(i + 1),
			BlockID:    7,
			Op:         RequestRead,
			ClientAddr: "client:1",
		}
		seq.Enqueue(reqs[i])
	}

	// Deliver in reverse; responses must still come out in enqueue order.
	for i := len(reqs) - 1; i >= 0; i-- {
		seq.Deliver(reqs[i], []byte{byte(i), 0, 0, 0})
	}

	for i := range reqs {
		select {
		case got := <-replies:
			resp, err := messages.ParseProxyReadResponse(got.msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, uint64(i+1), resp.RequestID)
			assert.Equal(t, byte(i), resp.Data[0])
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for response %d", i)
		}
	}
}

func TestSequencerWriteResponse(t *testing.T) {
	reply, replies := captureReplies()
	seq := NewSequencer(nil, reply)
	go seq.Run()
	defer seq.Close()

	req := &ClientRequest{RequestID: 9, BlockID: 1, Op: RequestWrite, ClientAddr: "client:1"}
	seq.Enqueue(req)
	seq.Deliver(req, []byte{1, 2, 3, 4})

	select {
	case got := <-replies:
		assert.Equal(t, messages.TypeProxyWriteResponse, got.msg.Type)
		resp, err := messages.ParseProxyWriteResponse(got.msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), resp.RequestID)
		assert.True(t, resp.OK)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write response")
	}
}

func TestSequencerHeadBlocksTail(t *testing.T) {
	reply, replies := captureReplies()
	seq := NewSequencer(nil, reply)
	go seq.Run()
	defer seq.Close()

	head := &ClientRequest{RequestID: 1, Op: RequestRead, ClientAddr: "client:1"}
	tail := &ClientRequest{RequestID: 2, Op: RequestRead, ClientAddr: "client:1"}
	seq.Enqueue(head)
	seq.Enqueue(tail)

	seq.Deliver(tail, []byte{2, 0, 0, 0})
	select {
	case <-replies:
		t.Fatal("tail must not be emitted before the head resolves")
	case <-time.After(100 * time.Millisecond):
	}

	seq.Deliver(head, []byte{1, 0, 0, 0})
	for _, wantID := range []uint64{1, 2} {
		select {
		case got := <-replies:
			resp, err := messages.ParseProxyReadResponse(got.msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, wantID, resp.RequestID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for response %d", wantID)
		}
	}
}

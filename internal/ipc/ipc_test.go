package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/handle"
	"github.com/iyotee/Orion-sub005/internal/kerr"
)

func TestSendRecvRoundTrip(t *testing.T) {
	p := New(1, 4, nil, nil)
	data := []byte{0x01, 0x02, 0x03, 0x04}

	require.NoError(t, p.Send(context.Background(), 42, Message{Type: TypeData, Payload: data}, false))

	msg, err := p.Receive(context.Background(), false, 7, nil)
	require.NoError(t, err)
	require.Equal(t, data, msg.Payload)
	require.Equal(t, uint64(42), msg.SenderPID)
}

func TestIPCRendezvousReceiverBlocksThenUnblocks(t *testing.T) {
	p := New(1, 0, nil, nil) // zero-capacity port: every send must rendezvous directly

	recvDone := make(chan Message, 1)
	go func() {
		msg, err := p.Receive(context.Background(), false, 99, nil)
		require.NoError(t, err)
		recvDone <- msg
	}()

	time.Sleep(10 * time.Millisecond) // give the receiver time to block

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C}
	require.NoError(t, p.Send(context.Background(), 5, Message{Type: TypeData, Payload: payload}, false))

	select {
	case msg := <-recvDone:
		require.Equal(t, payload, msg.Payload)
		require.Equal(t, uint64(5), msg.SenderPID)
	case <-time.After(time.Second):
		t.Fatal("receiver never unblocked")
	}
}

func TestSendTimesOutOnFullQueue(t *testing.T) {
	p := New(1, 1, nil, nil)
	require.NoError(t, p.Send(context.Background(), 1, Message{Type: TypeData, Payload: []byte("x")}, false))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Send(ctx, 1, Message{Type: TypeData, Payload: []byte("y")}, false)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, kerr.Is(err, kerr.TimedOut))
	require.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	require.Equal(t, 1, p.Pending(), "port state must be unchanged after a timed-out send")
}

func TestSendNonblockReturnsWouldBlock(t *testing.T) {
	p := New(1, 1, nil, nil)
	require.NoError(t, p.Send(context.Background(), 1, Message{Type: TypeData, Payload: []byte("x")}, false))

	err := p.Send(context.Background(), 1, Message{Type: TypeData, Payload: []byte("y")}, true)
	require.Error(t, err)
}

func TestReceiveNonblockReturnsNoData(t *testing.T) {
	p := New(1, 4, nil, nil)
	_, err := p.Receive(context.Background(), true, 1, nil)
	require.Error(t, err)
}

func TestQueueAndBlockedReceiversMutuallyExclusive(t *testing.T) {
	p := New(1, 4, nil, nil)
	require.NoError(t, p.Send(context.Background(), 1, Message{Type: TypeData, Payload: []byte("a")}, false))
	require.Equal(t, 1, p.Pending())

	msg, err := p.Receive(context.Background(), false, 2, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), msg.Payload)
	require.Equal(t, 0, p.Pending())
}

func TestCapabilityTransferAtomic(t *testing.T) {
	capTable := capability.New()
	id := capTable.Create(capability.TypeFile, 123, capability.Read|capability.Grant, 1)

	p := New(1, 4, capTable, nil)
	msg := Message{
		Type: TypeCapability,
		Caps: []CapTransfer{{ID: id, Rights: capability.Read}},
	}
	require.NoError(t, p.Send(context.Background(), 1, msg, false))

	recvHandles := handle.New(2, capTable, 8)
	got, err := p.Receive(context.Background(), false, 2, recvHandles)
	require.NoError(t, err)
	require.Len(t, got.Caps, 1)

	gotID, err := recvHandles.Lookup(0, capability.TypeFile)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
}

func TestCapabilityTransferRejectsWithoutGrant(t *testing.T) {
	capTable := capability.New()
	id := capTable.Create(capability.TypeFile, 123, capability.Read, 1) // owner's rights are Read only

	// grant a narrowed view (no Grant right) to pid 9, then have pid 9 try to transfer it.
	_, err := capTable.Grant(id, 9, capability.Read, 1)
	require.NoError(t, err)

	p := New(1, 4, capTable, nil)
	msg := Message{Type: TypeCapability, Caps: []CapTransfer{{ID: id, Rights: capability.Read}}}

	err = p.Send(context.Background(), 9, msg, false)
	require.Error(t, err)
}

func TestNotificationsOrAccumulateAndDoNotQueue(t *testing.T) {
	p := New(1, 4, nil, nil)
	p.Notify(0x1)
	p.Notify(0x2)

	fired, err := p.WaitNotification(context.Background(), 0x3)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3), fired)

	// a second wait with nothing new pending blocks until context expiry.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.WaitNotification(ctx, 0x3)
	require.Error(t, err)
}

func TestWaitNotificationWakesOnMatchingBit(t *testing.T) {
	p := New(1, 4, nil, nil)
	done := make(chan uint64, 1)
	go func() {
		fired, err := p.WaitNotification(context.Background(), 0x4)
		require.NoError(t, err)
		done <- fired
	}()

	time.Sleep(10 * time.Millisecond)
	p.Notify(0x4)

	select {
	case fired := <-done:
		require.Equal(t, uint64(0x4), fired)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestDestroyWakesBlockedParties(t *testing.T) {
	p := New(1, 0, nil, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Receive(context.Background(), false, 1, nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Destroy()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked receiver never woke on destroy")
	}

	require.Error(t, p.Send(context.Background(), 1, Message{Type: TypeData}, false))
}

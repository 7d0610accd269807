package syscall

import (
	"context"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/hal/simhal"
	"github.com/iyotee/Orion-sub005/internal/kerr"
	"github.com/iyotee/Orion-sub005/internal/process"
	"github.com/iyotee/Orion-sub005/internal/sched"
)

type testKernel struct {
	h     *simhal.HAL
	procs *process.Manager
	sc    *sched.Scheduler
	caps  *capability.Table
	d     *Dispatcher
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	h := simhal.New(2)
	caps := capability.New()
	procs := process.NewManager(caps, 64, 256, 16)
	sc := sched.New(h, nil)
	require.NoError(t, sc.Init())
	d := New(procs, sc, caps, h, nil, nil)
	return &testKernel{h: h, procs: procs, sc: sc, caps: caps, d: d}
}

func testImage() process.Image {
	return process.Image{
		Spec:   specs.Process{Args: []string{"/init"}},
		Layout: process.Layout{StackBase: 0x1000, StackSize: 4096},
	}
}

func (k *testKernel) createProcess(t *testing.T) (uint64, uint64) {
	t.Helper()
	resp, err := k.d.Dispatch(context.Background(), 0, 0, SysProcCreate, Request{Image: testImage()})
	require.NoError(t, err)
	require.NotZero(t, resp.PID)
	require.NotZero(t, resp.TID)
	return resp.PID, resp.TID
}

func TestProcCreateAndGetPIDGetTID(t *testing.T) {
	k := newTestKernel(t)
	pid, tid := k.createProcess(t)

	resp, err := k.d.Dispatch(context.Background(), pid, tid, SysGetPID, Request{})
	require.NoError(t, err)
	require.Equal(t, pid, resp.PID)

	resp, err = k.d.Dispatch(context.Background(), pid, tid, SysGetTID, Request{})
	require.NoError(t, err)
	require.Equal(t, tid, resp.TID)
}

func TestExitTerminatesThreadAndZombifiesSoleThreadProcess(t *testing.T) {
	k := newTestKernel(t)
	pid, tid := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), pid, tid, SysExit, Request{})
	require.NoError(t, err)

	proc, ok := k.procs.Lookup(pid)
	require.True(t, ok)
	require.Equal(t, process.StateZombie, proc.State)

	_, ok = k.procs.LookupThread(tid)
	require.False(t, ok)
}

func TestWaitRequiresChildZombie(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)
	parentPID, _ := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), parentPID, 0, SysWait, Request{TargetPID: pid})
	require.Error(t, err)
	require.Equal(t, kerr.WouldBlock, kerr.KindOf(err))

	proc, _ := k.procs.Lookup(pid)
	k.procs.ExitProcess(proc)

	resp, err := k.d.Dispatch(context.Background(), parentPID, 0, SysWait, Request{TargetPID: pid})
	require.NoError(t, err)
	require.Equal(t, pid, resp.PID)

	_, ok := k.procs.Lookup(pid)
	require.False(t, ok)
}

func TestSignalRaisesPendingBits(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), pid, 0, SysSignal, Request{TargetPID: pid, Arg0: 0x4})
	require.NoError(t, err)

	proc, _ := k.procs.Lookup(pid)
	require.Equal(t, uint64(0x4), proc.PendingSignals)
}

func TestVMMapUnmapProtectRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), pid, 0, SysVMMap, Request{
		VA: 0x5000, PA: 0x9000, Length: 4096, Flags: ProtRead | ProtWrite | MapPrivate | MapAnonymous,
	})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysMadvise, Request{VA: 0x5000, Length: 4096})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysVMProtect, Request{
		VA: 0x5000, Length: 4096, Flags: ProtRead,
	})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysVMUnmap, Request{VA: 0x5000, Length: 4096})
	require.NoError(t, err)
}

func TestPortCreateSendRecvRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	senderPID, _ := k.createProcess(t)
	receiverPID, _ := k.createProcess(t)

	createResp, err := k.d.Dispatch(context.Background(), senderPID, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)
	require.GreaterOrEqual(t, createResp.Handle, 0)

	senderProc, _ := k.procs.Lookup(senderPID)
	receiverProc, _ := k.procs.Lookup(receiverPID)

	capID, err := senderProc.Handles.Lookup(createResp.Handle, capability.TypeIPCPort)
	require.NoError(t, err)
	narrowed, err := k.caps.Grant(capID, receiverPID, capability.Read|capability.Write, senderPID)
	require.NoError(t, err)
	recvHandle, err := receiverProc.Handles.Open(capID, narrowed)
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), senderPID, 0, SysPortSend, Request{
		Handle: createResp.Handle, Payload: []byte("hello"), Nonblock: true,
	})
	require.NoError(t, err)

	recvResp, err := k.d.Dispatch(context.Background(), receiverPID, 0, SysPortRecv, Request{
		Handle: recvHandle, Nonblock: true,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), recvResp.Data)
	require.Equal(t, senderPID, recvResp.PID)
}

func TestPortRecvNonblockReturnsNoDataWhenEmpty(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	createResp, err := k.d.Dispatch(context.Background(), pid, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysPortRecv, Request{Handle: createResp.Handle, Nonblock: true})
	require.Error(t, err)
	require.Equal(t, kerr.NoData, kerr.KindOf(err))
}

func TestPortShareGrantsHandleToTarget(t *testing.T) {
	k := newTestKernel(t)
	ownerPID, _ := k.createProcess(t)
	targetPID, _ := k.createProcess(t)

	createResp, err := k.d.Dispatch(context.Background(), ownerPID, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)

	shareResp, err := k.d.Dispatch(context.Background(), ownerPID, 0, SysPortShare, Request{
		Handle: createResp.Handle, TargetPID: targetPID, Rights: capability.Read | capability.Write,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, shareResp.Handle, 0)

	_, err = k.d.Dispatch(context.Background(), ownerPID, 0, SysPortSend, Request{
		Handle: createResp.Handle, Payload: []byte("shared"), Nonblock: true,
	})
	require.NoError(t, err)

	recvResp, err := k.d.Dispatch(context.Background(), targetPID, 0, SysPortRecv, Request{
		Handle: shareResp.Handle, Nonblock: true,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("shared"), recvResp.Data)
}

func TestObjDupAndCloseAndInfo(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	createResp, err := k.d.Dispatch(context.Background(), pid, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)

	infoResp, err := k.d.Dispatch(context.Background(), pid, 0, SysObjInfo, Request{Handle: createResp.Handle})
	require.NoError(t, err)
	require.Equal(t, "ipc-port", string(infoResp.Data))

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysObjDup, Request{Handle: createResp.Handle})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysObjClose, Request{Handle: createResp.Handle})
	require.NoError(t, err)
}

func TestCapGrantAndRevokeRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ownerPID, _ := k.createProcess(t)
	targetPID, _ := k.createProcess(t)

	createResp, err := k.d.Dispatch(context.Background(), ownerPID, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)

	grantResp, err := k.d.Dispatch(context.Background(), ownerPID, 0, SysCapGrant, Request{
		Handle: createResp.Handle, TargetPID: targetPID, Rights: capability.Read,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, grantResp.Handle, 0)

	queryResp, err := k.d.Dispatch(context.Background(), targetPID, 0, SysCapQuery, Request{Handle: grantResp.Handle})
	require.NoError(t, err)
	require.Equal(t, uint64(capability.Read), queryResp.Value)

	_, err = k.d.Dispatch(context.Background(), ownerPID, 0, SysCapRevoke, Request{
		Handle: createResp.Handle, TargetPID: targetPID, Rights: capability.Read,
	})
	require.NoError(t, err)
}

func TestSandboxLoadNarrowsSubsequentGrants(t *testing.T) {
	k := newTestKernel(t)
	ownerPID, _ := k.createProcess(t)
	targetPID, _ := k.createProcess(t)

	createResp, err := k.d.Dispatch(context.Background(), ownerPID, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), ownerPID, 0, SysSandboxLoad, Request{Rights: capability.Read})
	require.NoError(t, err)

	grantResp, err := k.d.Dispatch(context.Background(), ownerPID, 0, SysCapGrant, Request{
		Handle: createResp.Handle, TargetPID: targetPID, Rights: capability.Read | capability.Write,
	})
	require.NoError(t, err)

	queryResp, err := k.d.Dispatch(context.Background(), targetPID, 0, SysCapQuery, Request{Handle: grantResp.Handle})
	require.NoError(t, err)
	require.Equal(t, uint64(capability.Read), queryResp.Value)
}

func TestNanosleepTransitionsThreadToSleeping(t *testing.T) {
	k := newTestKernel(t)
	pid, tid := k.createProcess(t)

	th, ok := k.procs.LookupThread(tid)
	require.True(t, ok)

	_, err := k.d.Dispatch(context.Background(), pid, tid, SysNanosleep, Request{Arg0: 1_000_000})
	require.NoError(t, err)
	require.Equal(t, process.ThreadSleeping, th.State)
}

func TestTimerCreateStartFiresPortNotification(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	portResp, err := k.d.Dispatch(context.Background(), pid, 0, SysPortCreate, Request{Arg0: 4})
	require.NoError(t, err)

	timerResp, err := k.d.Dispatch(context.Background(), pid, 0, SysTimerCreate, Request{Handle: portResp.Handle, Arg0: 0x1})
	require.NoError(t, err)

	_, err = k.d.Dispatch(context.Background(), pid, 0, SysTimerStart, Request{Arg0: timerResp.Value, Arg1: 10})
	require.NoError(t, err)

	k.h.FireOneshot(10)

	proc, _ := k.procs.Lookup(pid)
	capID, err := proc.Handles.Lookup(portResp.Handle, capability.TypeIPCPort)
	require.NoError(t, err)
	info, ok := k.caps.Lookup(capID, pid)
	require.True(t, ok)

	port := k.d.ports[info.ObjectID]
	require.NotNil(t, port)

	notifyCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired, err := port.WaitNotification(notifyCtx, 0x1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1), fired)
}

func TestRandomReturnsRequestedLength(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	resp, err := k.d.Dispatch(context.Background(), pid, 0, SysRandom, Request{Arg0: 16})
	require.NoError(t, err)
	require.Len(t, resp.Data, 16)
}

func TestRandomRejectsOutOfRangeLength(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), pid, 0, SysRandom, Request{Arg0: 0})
	require.Error(t, err)
	require.Equal(t, kerr.InvalidArgument, kerr.KindOf(err))
}

func TestDispatchUnassignedNumberIsInvalidArgument(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), pid, 0, Number(8), Request{})
	require.Error(t, err)
	require.Equal(t, kerr.InvalidArgument, kerr.KindOf(err))
}

func TestAuditEmitRequiresAuditor(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := k.createProcess(t)

	_, err := k.d.Dispatch(context.Background(), pid, 0, SysAuditEmit, Request{Payload: []byte("test event")})
	require.Error(t, err)
}


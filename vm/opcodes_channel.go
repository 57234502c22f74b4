package vm

import (
	"encoding/binary"
	"math/rand"

	"j5.nz/disvm/heap"
	"j5.nz/disvm/loader"
	"j5.nz/disvm/types"
)

var (
	channelByteTD = &heap.TypeDesc{Name: "chan$byte", Size: 1}
	channelWordTD = &heap.TypeDesc{Name: "chan$word", Size: 4}
	channelRealTD = &heap.TypeDesc{Name: "chan$real", Size: 8}
	channelBigTD  = &heap.TypeDesc{Name: "chan$big", Size: 8}
	channelPtrTD  = &heap.TypeDesc{Name: "chan$ptr", Size: 8, Bitmap: []byte{0x80}}
)

// registerChannel wires the channel family (§4.D "Channel", §4.F
// "Rendezvous"). Grounded on execution_table.cpp's _newc_/send/recv/
// exec_alt. As documented, newc*'s middle operand is unused unless it
// differs from dest, in which case it carries the channel's buffer
// capacity — the Inferno implementation detail the dis spec's own
// documentation omits.
func registerChannel(e *Engine) {
	e.register(loader.OpNewcb, newChannel(channelByteTD, types.TransferValue))
	e.register(loader.OpNewcw, newChannel(channelWordTD, types.TransferValue))
	e.register(loader.OpNewcf, newChannel(channelRealTD, types.TransferValue))
	e.register(loader.OpNewcl, newChannel(channelBigTD, types.TransferValue))
	e.register(loader.OpNewcp, newChannel(channelPtrTD, types.TransferPointer))

	e.register(loader.OpNewcm, func(e *Engine, th *Thread, i loader.Instruction) error {
		size := int(getW(th.Regs.Src))
		if size < 0 {
			return Raise(ExcOutOfRange)
		}
		td := &heap.TypeDesc{Name: "chan$mem", Size: size}
		return newc(e, th, i, td, types.TransferValue)
	})
	e.register(loader.OpNewcmp, func(e *Engine, th *Thread, i loader.Instruction) error {
		td := currentModuleType(th, int(getW(th.Regs.Src)))
		if td == nil {
			return Raise(ExcTypeViolation)
		}
		return newc(e, th, i, td, types.TransferTyped)
	})

	e.register(loader.OpSend, opSend)
	e.register(loader.OpRecv, opRecv)
	e.register(loader.OpAlt, func(e *Engine, th *Thread, i loader.Instruction) error { return execAlt(e, th, i, true) })
	e.register(loader.OpNbalt, func(e *Engine, th *Thread, i loader.Instruction) error { return execAlt(e, th, i, false) })
}

func newChannel(td *heap.TypeDesc, kind types.TransferKind) HandlerFunc {
	return func(e *Engine, th *Thread, i loader.Instruction) error {
		return newc(e, th, i, td, kind)
	}
}

func newc(e *Engine, th *Thread, i loader.Instruction, td *heap.TypeDesc, kind types.TransferKind) error {
	bufLen := 0
	if !sameMidDest(i) {
		bufLen = int(getW(th.Regs.Mid))
		if bufLen < 0 {
			return Raise(ExcOutOfRange)
		}
	}
	installOwned(e.Heap, th.Regs.Dest, types.NewChannelAlloc(e.Heap, td, kind, bufLen))
	return nil
}

// opSend implements "send": hand src's bytes to a waiting receiver
// (direct transfer), buffer them if room allows, or enqueue a sender
// request and block.
func opSend(e *Engine, th *Thread, i loader.Instruction) error {
	ch := types.AsChannel(heap.LoadPointer(e.Heap, th.Regs.Dest, 0))
	if ch == nil {
		return Raise(ExcDereferenceNil)
	}
	th.Regs.RequestMutex.Reset()

	ch.Mu.Lock()
	if recv := popClaimedReceiver(ch); recv != nil {
		types.Transfer(e.Heap, ch.Kind, ch.ElemType, recv.Data, th.Regs.Src)
		ch.Mu.Unlock()
		recv.Complete()
		th.Regs.State = Running
		return nil
	}
	if ch.Cap > 0 && !ch.BufFull() {
		ch.BufPush(th.Regs.Src[:ch.ElemType.Size])
		ch.Mu.Unlock()
		th.Regs.State = Running
		return nil
	}

	req := enqueueRequest(e, th, th.Regs.Src)
	ch.PushSender(req)
	ch.Mu.Unlock()
	th.Regs.State = BlockedSending
	return nil
}

// opRecv implements "recv": the dual of opSend, writing the transferred
// value into dest.
func opRecv(e *Engine, th *Thread, i loader.Instruction) error {
	ch := types.AsChannel(heap.LoadPointer(e.Heap, th.Regs.Src, 0))
	if ch == nil {
		return Raise(ExcDereferenceNil)
	}

	th.Regs.RequestMutex.Reset()

	ch.Mu.Lock()
	if ch.Cap > 0 && !ch.BufEmpty() {
		v := ch.BufPop()
		types.Transfer(e.Heap, ch.Kind, ch.ElemType, th.Regs.Dest, v)
		if sender := popClaimedSender(ch); sender != nil {
			ch.BufPush(sender.Data[:ch.ElemType.Size])
			ch.Mu.Unlock()
			sender.Complete()
			th.Regs.State = Running
			return nil
		}
		ch.Mu.Unlock()
		th.Regs.State = Running
		return nil
	}
	if sender := popClaimedSender(ch); sender != nil {
		types.Transfer(e.Heap, ch.Kind, ch.ElemType, th.Regs.Dest, sender.Data)
		ch.Mu.Unlock()
		sender.Complete()
		th.Regs.State = Running
		return nil
	}

	req := enqueueRequest(e, th, th.Regs.Dest)
	ch.PushReceiver(req)
	ch.Mu.Unlock()
	th.Regs.State = BlockedReceiving
	return nil
}

// popClaimedReceiver pops queued receivers from ch (caller holds ch.Mu)
// until one successfully claims its own RequestMutex, or the queue runs
// dry. A multi-channel alt queues one *types.Request per arm, all
// sharing a single RequestMutex, so a popped request may already have
// been serviced by a concurrent rendezvous on another arm — TryClaim
// failing means exactly that, and the request is discarded rather than
// acted on (§4.F).
func popClaimedReceiver(ch *types.Channel) *types.Request {
	for {
		recv := ch.PopReceiver()
		if recv == nil {
			return nil
		}
		if recv.Mutex.TryClaim() {
			return recv
		}
	}
}

// popClaimedSender is popClaimedReceiver's dual for the Senders queue.
func popClaimedSender(ch *types.Channel) *types.Request {
	for {
		sender := ch.PopSender()
		if sender == nil {
			return nil
		}
		if sender.Mutex.TryClaim() {
			return sender
		}
	}
}

func enqueueRequest(e *Engine, th *Thread, data []byte) *types.Request {
	th.Regs.RequestMutex.Reset()
	threadID := th.ID
	return &types.Request{
		ThreadID: threadID,
		Data:     data,
		Mutex:    th.Regs.RequestMutex,
		Complete: func() {
			if e.Scheduler != nil {
				e.Scheduler.EnqueueBlockedThread(threadID)
			}
		},
	}
}

// altChannel is one arm of an alt/nbalt instruction's operand table —
// grounded on execution_table.cpp's vm_alt_stack_layout_t: a channel
// allocation plus the data slot to transfer into/out of it, tagged
// send or receive.
type altChannel struct {
	Chan *heap.Alloc
	Data []byte
	Send bool
}

// decodeAltTableResolved unpacks src's alt table. The original encodes
// this as a raw stack-allocated vm_alt_stack_layout_t (send count,
// receive count, then {channel, data} pairs addressed as bare
// pointers); this port has no raw-pointer frame addressing, so it uses
// its own packed encoding instead: a 4-byte send count, a 4-byte
// receive count, then one 16-byte entry per arm (an 8-byte channel heap
// handle followed by an 8-byte frame-local byte offset for the data
// slot) — a layout decision for this port's compiler/assembler to emit,
// with no bearing on alt's runtime semantics.
func decodeAltTableResolved(h *heap.Heap, src []byte, frameLocals []byte) []altChannel {
	sendCount := int(getW(src[0:]))
	recvCount := int(getW(src[4:]))
	n := sendCount + recvCount
	arms := make([]altChannel, n)
	for idx := 0; idx < n; idx++ {
		entry := src[8+idx*16:]
		handle := binary.BigEndian.Uint64(entry[0:8])
		dataOff := int64(binary.BigEndian.Uint64(entry[8:16]))
		arms[idx] = altChannel{
			Chan: h.Resolve(handle),
			Data: frameLocals[dataOff:],
			Send: idx < sendCount,
		}
	}
	return arms
}

// execAlt implements alt/nbalt (§4.F "alt"): try every arm in a random
// order so no channel is starved; on success write the winning arm's
// index into dest. A blocking alt that finds nothing ready enqueues a
// request on every arm and blocks; a non-blocking alt that finds
// nothing ready writes the arm count (the "none ready" sentinel) and
// keeps running.
func execAlt(e *Engine, th *Thread, i loader.Instruction, blocking bool) error {
	fr := th.Regs.Stack.PeekFrame()
	if fr == nil {
		return Raise(ExcDereferenceNil)
	}
	arms := decodeAltTableResolved(e.Heap, th.Regs.Src, fr.Locals)
	n := len(arms)
	if n == 0 {
		return Raise(ExcDereferenceNil)
	}

	order := rand.Perm(n)
	th.Regs.RequestMutex.Reset()

	for _, idx := range order {
		arm := arms[idx]
		ch := types.AsChannel(arm.Chan)
		if ch == nil {
			return Raise(ExcDereferenceNil)
		}

		ch.Mu.Lock()
		var serviced bool
		if arm.Send {
			if recv := popClaimedReceiver(ch); recv != nil {
				types.Transfer(e.Heap, ch.Kind, ch.ElemType, recv.Data, arm.Data)
				ch.Mu.Unlock()
				recv.Complete()
				serviced = true
			} else if ch.Cap > 0 && !ch.BufFull() {
				ch.BufPush(arm.Data[:ch.ElemType.Size])
				ch.Mu.Unlock()
				serviced = true
			} else {
				ch.Mu.Unlock()
			}
		} else {
			if ch.Cap > 0 && !ch.BufEmpty() {
				v := ch.BufPop()
				types.Transfer(e.Heap, ch.Kind, ch.ElemType, arm.Data, v)
				ch.Mu.Unlock()
				serviced = true
			} else if sender := popClaimedSender(ch); sender != nil {
				types.Transfer(e.Heap, ch.Kind, ch.ElemType, arm.Data, sender.Data)
				ch.Mu.Unlock()
				sender.Complete()
				serviced = true
			} else {
				ch.Mu.Unlock()
			}
		}

		if serviced {
			setW(th.Regs.Dest, int32(idx))
			th.Regs.State = Running
			return nil
		}
	}

	if !blocking {
		setW(th.Regs.Dest, int32(n))
		th.Regs.State = Running
		return nil
	}

	queued := make([]*types.Request, n)
	for _, idx := range order {
		queued[idx] = &types.Request{ThreadID: th.ID, Data: arms[idx].Data, Mutex: th.Regs.RequestMutex}
	}
	for idx := range queued {
		idx := idx
		queued[idx].Complete = func() {
			cancelQueuedAlt(th.ID, arms, queued)
			setW(th.Regs.Dest, int32(idx))
			if e.Scheduler != nil {
				e.Scheduler.EnqueueBlockedThread(th.ID)
			}
		}
	}
	for _, idx := range order {
		arm := arms[idx]
		ch := types.AsChannel(arm.Chan)
		ch.Mu.Lock()
		if arm.Send {
			ch.PushSender(queued[idx])
		} else {
			ch.PushReceiver(queued[idx])
		}
		ch.Mu.Unlock()
	}
	th.Regs.State = BlockedInAlt
	return nil
}

func cancelQueuedAlt(threadID uint32, arms []altChannel, queued []*types.Request) {
	for idx, req := range queued {
		if req == nil {
			continue
		}
		ch := types.AsChannel(arms[idx].Chan)
		ch.Mu.Lock()
		ch.CancelThread(threadID)
		ch.Mu.Unlock()
	}
}

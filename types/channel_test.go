package types

import (
	"testing"

	"j5.nz/disvm/heap"
)

func TestChannelBufferRingSemantics(t *testing.T) {
	c := NewChannel(wordTD, TransferValue, 2)
	if !c.BufEmpty() {
		t.Fatalf("new channel buffer should be empty")
	}
	c.BufPush([]byte{1, 0, 0, 0})
	c.BufPush([]byte{2, 0, 0, 0})
	if !c.BufFull() {
		t.Fatalf("buffer should be full at capacity")
	}
	v := c.BufPop()
	if v[0] != 1 {
		t.Fatalf("FIFO violated: got %v", v)
	}
	if c.BufFull() {
		t.Fatalf("buffer should have space after pop")
	}
}

func TestRequestMutexSingleWinner(t *testing.T) {
	m := NewRequestMutex()
	if !m.TryClaim() {
		t.Fatalf("first claim should win")
	}
	if m.TryClaim() {
		t.Fatalf("second claim should lose")
	}
	m.Reset()
	if !m.TryClaim() {
		t.Fatalf("claim after reset should win")
	}
}

func TestCancelThreadRemovesOnlyMatchingRequests(t *testing.T) {
	c := NewChannel(wordTD, TransferValue, 0)
	r1 := &Request{ThreadID: 1}
	r2 := &Request{ThreadID: 2}
	r3 := &Request{ThreadID: 1}
	c.PushReceiver(r1)
	c.PushReceiver(r2)
	c.PushReceiver(r3)

	c.CancelThread(1)
	if len(c.Receivers) != 1 || c.Receivers[0] != r2 {
		t.Fatalf("cancel did not leave exactly r2: %v", c.Receivers)
	}
}

func TestTransferPointerFixesUpRefcount(t *testing.T) {
	h := heap.New()
	valueTD := &heap.TypeDesc{Name: "value", Size: heap.WordSize}
	src := h.Allocate(valueTD)
	dstBuf := make([]byte, 8)
	srcBuf := make([]byte, 8)
	heap.StoreWord(srcBuf, 0, src.Handle)

	Transfer(h, TransferPointer, valueTD, dstBuf, srcBuf)

	if heap.LoadWord(dstBuf, 0) != src.Handle {
		t.Fatalf("pointer not transferred")
	}
	if heap.RefCount(src) != 2 {
		t.Fatalf("refcount = %d, want 2", heap.RefCount(src))
	}
}

package pool

import (
	"testing"
	"time"
)

func TestBytesBuf(t *testing.T) {
	b := GetBytesBuf()
	b.WriteString("hello")
	ReleaseBytesBuf(b)

	b = GetBytesBuf()
	defer ReleaseBytesBuf(b)
	if b.Len() != 0 {
		t.Fatalf("pooled buffer is not empty, len %d", b.Len())
	}
}

func TestCopyBuf(t *testing.T) {
	b := GetCopyBuf()
	if len(*b) != CopyBufSize {
		t.Fatalf("unexpected copy buf size %d", len(*b))
	}
	*b = (*b)[:10]
	ReleaseCopyBuf(b)

	b = GetCopyBuf()
	defer ReleaseCopyBuf(b)
	if len(*b) != CopyBufSize {
		t.Fatalf("copy buf was not restored, len %d", len(*b))
	}
}

func TestResetAndDrainTimer(t *testing.T) {
	timer := NewStoppedTimer()
	select {
	case <-timer.C:
		t.Fatal("stopped timer fired")
	case <-time.After(time.Millisecond * 20):
	}

	ResetAndDrainTimer(timer, time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after reset")
	}
}

package console

import (
	"context"
	"testing"
	"time"
)

type captureSink struct{ got string }

func (c *captureSink) WriteString(s string) { c.got += s }

func TestWriteRoutesToSink(t *testing.T) {
	c := &captureSink{}
	SetSink(c)
	defer SetSink(nil)

	Write("hi\n")
	if c.got != "hi\n" {
		t.Errorf("sink got %q, want %q", c.got, "hi\n")
	}
}

func TestWriteWithNoSinkIsNoop(t *testing.T) {
	SetSink(nil)
	Write("nobody home") // must not panic
}

func TestPushThenReadByteRoundTrips(t *testing.T) {
	PushScancode(0x1E) // 'a' make code

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := ReadByte(ctx)
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 0x1E {
		t.Errorf("ReadByte = 0x%x, want 0x1E", b)
	}
}

func TestReadByteBlocksUntilPushed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var got byte
	var err error
	go func() {
		got, err = ReadByte(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	PushScancode(0x9C) // enter break code

	<-done
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if got != 0x9C {
		t.Errorf("ReadByte = 0x%x, want 0x9C", got)
	}
}

func TestPendingTracksBufferedCount(t *testing.T) {
	for Pending() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		ReadByte(ctx)
		cancel()
	}
	before := Pending()
	PushScancode(0x10)
	PushScancode(0x11)
	if got := Pending() - before; got != 2 {
		t.Errorf("Pending delta = %d, want 2", got)
	}
}

// Package console is the external contract for the text console and
// keyboard, out of scope as a device driver per the spec but still
// needed as a byte-level contract: writes on FDs 1/2 emit characters,
// reads on FD 0 block on a keyboard scancode ring buffer.
//
// Informed by the shape of justanotherdot-biscuit's retrieved cons_t /
// kbd_daemon / circbuf_t (a dedicated console struct plus a circular
// scancode buffer drained by a reader), though that file is reference
// material, not a copied source.
package console

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/iansmith/nucleus/internal/config"
)

// Sink receives bytes written to stdout/stderr (FD 1/2). A real build
// wires this to VGA text mode plus a serial mirror; both are out of
// scope here.
type Sink interface {
	WriteString(s string)
}

var (
	mu   sync.Mutex
	sink Sink

	ring      [config.KeyboardRingSize]byte
	ringHead  int
	ringTail  int
	ringCount int

	// avail tracks how many scancodes are available to read, expressed
	// as a semaphore so ReadByte can block until PushScancode makes one
	// ready -- the producer/consumer handoff the spec's "reads on FD 0
	// block on a keyboard ring buffer" requires. It starts fully
	// acquired (zero available) and PushScancode releases one unit per
	// byte appended.
	avail = semaphore.NewWeighted(int64(config.KeyboardRingSize))
)

func init() {
	// Consume the whole capacity up front so initial availability is
	// zero; PushScancode frees one unit per buffered byte.
	_ = avail.Acquire(context.Background(), int64(config.KeyboardRingSize))
}

// SetSink installs the text-output destination.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

// Write emits s to the console sink, the FD 1/2 write path.
func Write(s string) {
	mu.Lock()
	sk := sink
	mu.Unlock()
	if sk != nil {
		sk.WriteString(s)
	}
}

// PushScancode is called from the keyboard IRQ handler to append one
// byte to the ring buffer. A full ring silently drops the oldest byte
// rather than blocking the interrupt handler; the available-item count
// is unchanged in that case since one byte replaces another.
func PushScancode(b byte) {
	mu.Lock()
	full := ringCount == len(ring)
	if full {
		ringTail = (ringTail + 1) % len(ring)
		ringCount--
	}
	ring[ringHead] = b
	ringHead = (ringHead + 1) % len(ring)
	ringCount++
	mu.Unlock()

	if !full {
		avail.Release(1)
	}
}

// ReadByte blocks until a scancode is available and returns it. This
// is the FD 0 read path's blocking primitive.
func ReadByte(ctx context.Context) (byte, error) {
	if err := avail.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	mu.Lock()
	defer mu.Unlock()
	b := ring[ringTail]
	ringTail = (ringTail + 1) % len(ring)
	ringCount--
	return b, nil
}

// Pending reports how many scancodes are currently buffered.
func Pending() int {
	mu.Lock()
	defer mu.Unlock()
	return ringCount
}

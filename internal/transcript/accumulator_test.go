package transcript

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestFlushConcatenatesDeltasInOrder(t *testing.T) {
	a := NewAccumulator()
	k := Key{SessionID: "s1", ResponseID: "r1"}
	for _, d := range []string{"Hel", "lo ", "world"} {
		a.Append(k, d)
	}

	if got := a.Flush(k, ""); got != "Hello world" {
		t.Fatalf("Flush() = %q, want %q", got, "Hello world")
	}
	if a.Pending() != 0 {
		t.Fatalf("Pending() = %d after flush, want 0", a.Pending())
	}
	if got := a.Flush(k, ""); got != "" {
		t.Fatalf("second Flush() = %q, want empty", got)
	}
}

func TestFlushUsesFallbackWithoutDeltas(t *testing.T) {
	a := NewAccumulator()
	k := Key{SessionID: "s1", ResponseID: "r2"}
	if got := a.Flush(k, "complete result"); got != "complete result" {
		t.Fatalf("Flush() = %q, want fallback", got)
	}
}

func TestFlushPrefersDeltasOverFallback(t *testing.T) {
	a := NewAccumulator()
	k := Key{SessionID: "s1", ResponseID: "r3"}
	a.Append(k, "streamed")
	if got := a.Flush(k, "upstream copy"); got != "streamed" {
		t.Fatalf("Flush() = %q, want %q", got, "streamed")
	}
}

func TestBuffersAreIsolatedPerKey(t *testing.T) {
	a := NewAccumulator()
	a.Append(Key{"s1", "r1"}, "one")
	a.Append(Key{"s2", "r1"}, "two")
	a.Append(Key{"s1", "r2"}, "three")

	if n := a.DiscardSession("s1"); n != 2 {
		t.Fatalf("DiscardSession() = %d, want 2", n)
	}
	if got := a.Flush(Key{"s2", "r1"}, ""); got != "two" {
		t.Fatalf("Flush() = %q, want %q", got, "two")
	}
}

func TestFlushEqualsConcatenationForManyDeltas(t *testing.T) {
	a := NewAccumulator()
	var want strings.Builder
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			k := Key{SessionID: fmt.Sprintf("s%d", s), ResponseID: "r"}
			for i := 0; i < 100; i++ {
				a.Append(k, fmt.Sprintf("%d,", i))
			}
		}(s)
	}
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&want, "%d,", i)
	}
	wg.Wait()

	for s := 0; s < 8; s++ {
		k := Key{SessionID: fmt.Sprintf("s%d", s), ResponseID: "r"}
		if got := a.Flush(k, ""); got != want.String() {
			t.Fatalf("session %d flushed %q, want %q", s, got, want.String())
		}
	}
}

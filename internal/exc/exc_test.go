package exc

import (
	"fmt"
	"testing"
)

func TestAsUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("head: %w", New(KeyError, "'valor'"))

	e, ok := As(err)
	if !ok {
		t.Fatal("expected *Error in chain")
	}
	if e.Kind != KeyError || e.Msg != "'valor'" {
		t.Fatalf("unexpected error: %+v", e)
	}
	if _, ok := As(fmt.Errorf("plain")); ok {
		t.Fatal("plain error must not match")
	}
}

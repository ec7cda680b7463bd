package vectors

import (
	"testing"

	"github.com/aclements/rchk/internal/ctxtab"
)

func TestContextKeyDistinguishesContexts(t *testing.T) {
	a := ctxtab.Context{{Kind: ctxtab.Symbol, Name: "x"}}
	b := ctxtab.Context{{Kind: ctxtab.Symbol, Name: "y"}}
	if contextKey(a) == contextKey(b) {
		t.Errorf("contextKey collapsed distinct contexts: %q", contextKey(a))
	}
}

func TestContextKeyStableAcrossEqualContexts(t *testing.T) {
	a := ctxtab.Context{{Kind: ctxtab.Vector}, {Kind: ctxtab.Bottom}}
	b := ctxtab.Context{{Kind: ctxtab.Vector}, {Kind: ctxtab.Bottom}}
	if contextKey(a) != contextKey(b) {
		t.Errorf("contextKey(%v) = %q, contextKey(%v) = %q, want equal", a, contextKey(a), b, contextKey(b))
	}
}

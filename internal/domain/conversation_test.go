package domain

import (
	"fmt"
	"testing"
)

func TestTranscriptWindowKeepsLastTurnsInOrder(t *testing.T) {
	var tr Transcript
	for i := 1; i <= 5; i++ {
		tr = append(tr, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	got := tr.Window(4)
	if len(got) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4", "m5"} {
		if got[i].Content != want {
			t.Errorf("turn %d: expected %q, got %q", i, want, got[i].Content)
		}
	}
}

func TestTranscriptWindowShortTranscript(t *testing.T) {
	tr := Transcript{{Role: RoleAssistant, Content: "hi"}}
	if got := tr.Window(4); len(got) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(got))
	}
	if got := tr.Window(0); len(got) != 1 {
		t.Fatalf("expected whole transcript for n=0, got %d", len(got))
	}
}

func TestIsWalletAddress(t *testing.T) {
	if !IsWalletAddress("0xABC") {
		t.Error("expected mixed-case hex address to be accepted")
	}
	if IsWalletAddress("anon_0123") {
		t.Error("expected anonymous id to be rejected")
	}
	if IsWalletAddress("0xzz") {
		t.Error("expected non-hex address to be rejected")
	}
}

package session

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// === State immutability ===

func TestState_WithModelDoesNotMutateOriginal(t *testing.T) {
	s1 := DefaultState()
	s2 := s1.WithModel("gpt-4")

	if s1.Backend.Model != "" {
		t.Fatalf("original state mutated: %q", s1.Backend.Model)
	}
	if s2.Backend.Model != "gpt-4" {
		t.Fatalf("copy missing model: %q", s2.Backend.Model)
	}
}

func TestState_RouteCopyOnWrite(t *testing.T) {
	s1 := DefaultState().WithRoute(FailoverRoute{
		Name:     "r",
		Policy:   PolicyKeyPreserving,
		Elements: []string{"openai:gpt-4"},
	})
	s2 := s1.WithoutRoute("r")

	if _, ok := s1.Route("r"); !ok {
		t.Fatal("route removed from original state")
	}
	if _, ok := s2.Route("r"); ok {
		t.Fatal("route still present in copy")
	}
}

func TestState_OneoffArmAndClear(t *testing.T) {
	s := DefaultState().WithOneoff("anthropic", "claude-3-opus")
	if !s.HasOneoff() {
		t.Fatal("oneoff should be armed")
	}
	s = s.ClearOneoff()
	if s.HasOneoff() {
		t.Fatal("oneoff should be cleared")
	}
	if s.Backend.OneoffBackend != "" || s.Backend.OneoffModel != "" {
		t.Fatal("oneoff pair must clear together")
	}
}

func TestDefaultState_LoopDefaults(t *testing.T) {
	s := DefaultState()
	if !s.Loop.LoopDetectionEnabled || !s.Loop.ToolLoopDetectionEnabled {
		t.Fatal("loop detection should default on")
	}
	if s.Loop.ToolLoopMode != LoopModeBreak {
		t.Fatalf("unexpected default mode: %s", s.Loop.ToolLoopMode)
	}
}

// === Session history retention ===

func TestSession_HistoryRetention(t *testing.T) {
	sess := NewSession("s1")
	for i := 0; i < interactionRetention+50; i++ {
		sess.AddInteraction(Interaction{Prompt: "p", Handler: HandlerProxy})
	}
	if len(sess.History) != interactionRetention {
		t.Fatalf("history not bounded: %d", len(sess.History))
	}
}

// === Service ===

func TestService_CreateOnFirstUse(t *testing.T) {
	svc := NewService(0, zap.NewNop())
	a := svc.GetSession("abc")
	b := svc.GetSession("abc")
	if a != b {
		t.Fatal("same id should return same session")
	}
}

func TestService_GetOrCreateGeneratesID(t *testing.T) {
	svc := NewService(0, zap.NewNop())
	sess := svc.GetOrCreateSession("")
	if sess.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestService_Delete(t *testing.T) {
	svc := NewService(0, zap.NewNop())
	svc.GetSession("x")
	if !svc.DeleteSession("x") {
		t.Fatal("expected delete to report existing session")
	}
	if svc.DeleteSession("x") {
		t.Fatal("second delete should report missing")
	}
}

// Concurrent mutations on a single session must serialize: the resulting
// state equals a left fold of the applied transitions.
func TestService_ConcurrentMutationsSerialize(t *testing.T) {
	svc := NewService(0, zap.NewNop())

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Mutate("s", func(sess *Session) {
				sess.State = sess.State.WithToolLoopMaxRepeats(sess.State.Loop.ToolLoopMaxRepeats + 1)
			})
		}()
	}
	wg.Wait()

	got := svc.GetSession("s").State.Loop.ToolLoopMaxRepeats
	want := DefaultState().Loop.ToolLoopMaxRepeats + n
	if got != want {
		t.Fatalf("lost updates: got %d want %d", got, want)
	}
}

func TestService_TTLEviction(t *testing.T) {
	svc := NewService(10*time.Millisecond, zap.NewNop())
	svc.GetSession("old")
	time.Sleep(20 * time.Millisecond)
	svc.evictExpired()
	if len(svc.GetAllSessions()) != 0 {
		t.Fatal("expected expired session to be evicted")
	}
}

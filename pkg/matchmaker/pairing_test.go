package matchmaker

import (
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func createTestPairingEngine(t *testing.T, live fakeLiveness) (*PairingEngine, *WaitingPool, *SessionDirectory) {
	pool := CreateWaitingPool(live)
	directory := CreateSessionDirectory()
	return CreatePairingEngine(pool, directory, zaptest.NewLogger(t)), pool, directory
}

func TestPairingEngine_FirstClientWaits(t *testing.T) {
	engine, pool, _ := createTestPairingEngine(t, fakeLiveness{"a": true})

	if _, ok := engine.TryPair("a"); ok {
		t.Fatalf("TryPair on empty pool paired")
	}
	if got := pool.Snapshot(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("pool = %v, want [a]", got)
	}
}

func TestPairingEngine_WaitingClientIsInitiator(t *testing.T) {
	engine, pool, directory := createTestPairingEngine(t, fakeLiveness{"a": true, "b": true})

	engine.TryPair("a")
	session, ok := engine.TryPair("b")
	if !ok {
		t.Fatalf("TryPair(b) did not pair")
	}
	if session.Initiator != "a" || session.Responder != "b" {
		t.Fatalf("session = %+v", session)
	}
	if !directory.IsInitiator("a") || directory.IsInitiator("b") {
		t.Fatalf("directory roles disagree with session")
	}
	if pool.Len() != 0 {
		t.Fatalf("pool = %v, want empty", pool.Snapshot())
	}
}

func TestPairingEngine_NeverPairsWithSelf(t *testing.T) {
	engine, pool, directory := createTestPairingEngine(t, fakeLiveness{"a": true})

	engine.TryPair("a")
	if _, ok := engine.TryPair("a"); ok {
		t.Fatalf("client paired with itself")
	}
	if got := pool.Snapshot(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("pool = %v, want [a]", got)
	}
	if directory.Len() != 0 {
		t.Fatalf("directory has %d sessions", directory.Len())
	}
}

func TestPairingEngine_SkipsDeadCandidates(t *testing.T) {
	live := fakeLiveness{"a": true, "b": true, "c": true}
	engine, pool, _ := createTestPairingEngine(t, live)

	engine.TryPair("a")
	pool.Enqueue("b")
	live["a"] = false

	session, ok := engine.TryPair("c")
	if !ok || session.Initiator != "b" || session.Responder != "c" {
		t.Fatalf("session = %+v ok = %v, want b/c", session, ok)
	}
	if pool.Contains("a") {
		t.Fatalf("dead candidate left in pool")
	}
}

func TestPairingEngine_AllCandidatesDead(t *testing.T) {
	live := fakeLiveness{"a": false, "b": false, "c": true}
	engine, pool, _ := createTestPairingEngine(t, live)
	pool.Enqueue("a")
	pool.Enqueue("b")

	if _, ok := engine.TryPair("c"); ok {
		t.Fatalf("paired with a dead candidate")
	}
	if got := pool.Snapshot(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("pool = %v, want [c]", got)
	}
}

func TestPairingEngine_RefusesPairedClient(t *testing.T) {
	engine, pool, directory := createTestPairingEngine(t, fakeLiveness{"a": true, "b": true, "c": true})
	directory.Establish("a", "b", "a")
	pool.Enqueue("c")

	if _, ok := engine.TryPair("a"); ok {
		t.Fatalf("paired client got a second partner")
	}
	if got := pool.Snapshot(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("pool = %v, want [c] untouched", got)
	}
}

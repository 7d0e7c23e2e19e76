package filestore

import "testing"

func TestWantedAddResolve(t *testing.T) {
	w := NewWanted()
	w.Add("f1")
	if !w.Want("f1") {
		t.Fatal("expected f1 to be wanted")
	}
	w.Resolve("f1")
	if w.Want("f1") {
		t.Fatal("expected f1 to be resolved")
	}
}

func TestAssemblerAccumulatesChunksUntilLast(t *testing.T) {
	a := NewAssembler()
	if _, done := a.Append("f1", []byte("hel"), "jpg", false); done {
		t.Fatal("should not be done before last chunk")
	}
	if _, done := a.Append("f1", []byte("lo"), "", false); done {
		t.Fatal("should not be done before last chunk")
	}
	data, done := a.Append("f1", []byte("!"), "", true)
	if !done {
		t.Fatal("expected done on last chunk")
	}
	if string(data) != "hello!" {
		t.Fatalf("got %q want %q", data, "hello!")
	}
}

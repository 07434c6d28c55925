package ids

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUID_Prefixes(t *testing.T) {
	g := New()
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"thread", g.ThreadID, ThreadPrefix},
		{"run", g.RunID, RunPrefix},
		{"message", g.MessageID, MessagePrefix},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.gen()
			if !strings.HasPrefix(id, tc.prefix) {
				t.Fatalf("id %q missing prefix %q", id, tc.prefix)
			}
			u, err := uuid.Parse(strings.TrimPrefix(id, tc.prefix))
			if err != nil {
				t.Fatalf("suffix is not a uuid: %v", err)
			}
			if u.Version() != 4 {
				t.Fatalf("uuid version = %d, want 4", u.Version())
			}
			if tc.gen() == id {
				t.Fatal("ids should be unique")
			}
		})
	}
}

func TestSequence(t *testing.T) {
	var s Sequence
	var _ Generator = &s
	if got := s.ThreadID(); got != "thread_1" {
		t.Fatalf("ThreadID = %q", got)
	}
	s.RunID()
	if got := s.RunID(); got != "run_2" {
		t.Fatalf("RunID = %q", got)
	}
	for i := 0; i < 11; i++ {
		s.MessageID()
	}
	if got := s.MessageID(); got != "msg_12" {
		t.Fatalf("MessageID = %q", got)
	}
}

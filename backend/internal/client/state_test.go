package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"unicode/utf8"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
)

func synced(t *testing.T, clientID, sessionID, text string, version uint64) *State {
	t.Helper()
	s := NewState(clientID, 0)
	var content delta.Delta
	if text != "" {
		content = delta.Delta{delta.Insert(text, nil)}
	}
	if err := s.Welcome(sessionID, version, content, false); err != nil {
		t.Fatalf("Welcome() error = %v", err)
	}
	return s
}

func TestState_EditInflightAndBuffer(t *testing.T) {
	s := synced(t, "c", "s1", "ab", 3)

	out, err := s.Edit(delta.Delta{delta.Insert("x", nil)})
	if err != nil || out == nil || out.BaseVersion != 3 || out.ClientSeq != 1 {
		t.Fatalf("Edit() = %+v, %v", out, err)
	}
	// 等待确认期间的编辑进入缓冲
	for _, d := range []delta.Delta{{delta.Retain(3), delta.Insert("y", nil)}, {delta.Delete(1)}} {
		if out, err := s.Edit(d); err != nil || out != nil {
			t.Fatalf("Edit(buffered) = %+v, %v", out, err)
		}
	}
	if s.Text() != "aby" || s.Pending() != 3 {
		t.Fatalf("Text() = %q pending %d, want aby pending 3", s.Text(), s.Pending())
	}

	next, err := s.Ack(4, 1)
	if err != nil || next == nil || next.BaseVersion != 4 || next.ClientSeq != 2 {
		t.Fatalf("Ack() = %+v, %v", next, err)
	}
	// 重复 ack 忽略
	if out, err := s.Ack(4, 1); err != nil || out != nil {
		t.Fatalf("Ack(duplicate) = %+v, %v", out, err)
	}
	if out, err := s.Ack(5, 2); err != nil || out != nil || s.Pending() != 0 || s.Version() != 5 {
		t.Fatalf("Ack() = %+v, %v; pending %d version %d", out, err, s.Pending(), s.Version())
	}
}

func TestState_BroadcastRebasesPending(t *testing.T) {
	// 会话 b 的插入与 a 的远端插入在同一位置；a 的 id 较小排在前面
	s := synced(t, "cb", "b", "hello", 5)
	if _, err := s.Edit(delta.Delta{delta.Retain(2), delta.Insert("CD", nil)}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if _, err := s.Broadcast(6, "a", "ca", 1, delta.Delta{delta.Retain(2), delta.Insert("AB", nil)}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if s.Text() != "heABCDllo" || s.Version() != 6 {
		t.Fatalf("Text() = %q@%d, want heABCDllo@6", s.Text(), s.Version())
	}
	out := s.Outstanding()
	if out == nil || out.BaseVersion != 6 || out.Delta.BaseLen() != 4 {
		t.Fatalf("Outstanding() = %+v, want rebased onto 6", out)
	}

	if _, err := s.Broadcast(8, "a", "ca", 2, delta.Delta{delta.Insert("!", nil)}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Broadcast(gap) error = %v, want ErrOutOfOrder", err)
	}
	if out, err := s.Broadcast(6, "a", "ca", 1, nil); err != nil || out != nil || s.Version() != 6 {
		t.Fatalf("Broadcast(old) = %+v, %v", out, err)
	}
}

func TestState_OwnReplayCountsAsAck(t *testing.T) {
	s := synced(t, "c", "s1", "", 0)
	s.Edit(delta.Delta{delta.Insert("a", nil)})
	s.Edit(delta.Delta{delta.Insert("b", nil)})

	// 重连后的新会话 id；补发中出现自己的第一次提交
	s.Welcome("s2", 0, nil, false)
	next, err := s.Broadcast(1, "s1", "c", 1, delta.Delta{delta.Insert("a", nil)})
	if err != nil || next == nil || next.ClientSeq != 2 || next.BaseVersion != 1 {
		t.Fatalf("Broadcast(own) = %+v, %v", next, err)
	}
	if s.Text() != "ba" || s.Version() != 1 {
		t.Fatalf("Text() = %q@%d, want ba@1", s.Text(), s.Version())
	}
}

func TestState_ResyncAndDenied(t *testing.T) {
	s := synced(t, "c", "s1", "abc", 2)
	s.Edit(delta.Delta{delta.Insert("x", nil)})
	s.Edit(delta.Delta{delta.Insert("y", nil)})

	dropped, err := s.Resync(9, delta.Delta{delta.Insert("server", nil)})
	if err != nil || dropped != 2 {
		t.Fatalf("Resync() = %d, %v, want 2 dropped", dropped, err)
	}
	if s.Text() != "server" || s.Version() != 9 || s.Outstanding() != nil {
		t.Fatalf("after resync %q@%d", s.Text(), s.Version())
	}

	s.Edit(delta.Delta{delta.Insert("z", nil)})
	if n := s.Denied(); n != 1 || s.Synced() {
		t.Fatalf("Denied() = %d synced %v, want 1 and unsynced", n, s.Synced())
	}
	if _, err := s.Edit(delta.Delta{delta.Insert("z", nil)}); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("Edit() error = %v, want ErrNotSynced", err)
	}
	s.Welcome("s2", 10, delta.Delta{delta.Insert("fresh", nil)}, true)
	if _, err := s.Edit(delta.Delta{delta.Insert("z", nil)}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Edit() error = %v, want ErrReadOnly", err)
	}
	if s.Text() != "fresh" {
		t.Fatalf("Text() = %q, want fresh", s.Text())
	}
}

func TestState_BufferFull(t *testing.T) {
	s := NewState("c", 2)
	if _, err := s.Edit(delta.Delta{delta.Insert("a", nil)}); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("Edit() before welcome error = %v, want ErrNotSynced", err)
	}
	s.Welcome("s", 0, nil, false)
	if _, err := s.Edit(delta.Delta{delta.Delete(9)}); err == nil || s.Pending() != 0 {
		t.Fatalf("Edit(out of bounds) error = %v, pending %d", err, s.Pending())
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Edit(delta.Delta{delta.Insert("a", nil)}); err != nil {
			t.Fatalf("Edit(%d) error = %v", i, err)
		}
	}
	if _, err := s.Edit(delta.Delta{delta.Insert("a", nil)}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Edit() error = %v, want ErrBufferFull", err)
	}
}

type netMsg struct {
	ack      bool
	pos      uint64
	author   string
	clientID string
	seq      uint64
	d        delta.Delta
}

// 随机交错本地编辑、服务端处理和消息投递，最终所有副本与服务端一致
func TestState_RandomConvergence(t *testing.T) {
	for seed := uint64(1); seed <= 40; seed++ {
		rng := rand.New(rand.NewPCG(seed, 99))
		initial := delta.Delta{delta.Insert("hello world", nil)}
		engine, err := collab.NewEngine("doc", initial, 0, 1024)
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}

		const n = 3
		clients := make([]*State, n)
		up := make([][]*Outgoing, n)
		down := make([][]netMsg, n)
		for i := range clients {
			clients[i] = NewState(fmt.Sprintf("c%d", i), 0)
			clients[i].Welcome(fmt.Sprintf("s%d", i), 0, initial, false)
		}

		serve := func(i int) {
			out := up[i][0]
			up[i] = up[i][1:]
			sid := clients[i].SessionID()
			d, err := engine.Transform(out.BaseVersion, sid, out.Delta)
			if err != nil {
				t.Fatalf("seed %d: Transform() error = %v", seed, err)
			}
			pos := engine.Version() + 1
			entry := oplog.LogEntry{Position: pos, Operation: oplog.Operation{
				Seq: pos, AuthorSession: sid, ClientID: clients[i].ClientID(), ClientSeq: out.ClientSeq, Delta: d,
			}}
			if _, err := engine.Apply(entry); err != nil {
				t.Fatalf("seed %d: Apply() error = %v", seed, err)
			}
			for j := range clients {
				down[j] = append(down[j], netMsg{ack: j == i, pos: pos, author: sid, clientID: entry.ClientID, seq: out.ClientSeq, d: d})
			}
		}
		deliver := func(i int) {
			m := down[i][0]
			down[i] = down[i][1:]
			var (
				next *Outgoing
				err  error
			)
			if m.ack {
				next, err = clients[i].Ack(m.pos, m.seq)
			} else {
				next, err = clients[i].Broadcast(m.pos, m.author, m.clientID, m.seq, m.d)
			}
			if err != nil {
				t.Fatalf("seed %d: deliver to %d error = %v", seed, i, err)
			}
			if next != nil {
				up[i] = append(up[i], next)
			}
		}

		for step := 0; step < 300; step++ {
			i := rng.IntN(n)
			switch rng.IntN(3) {
			case 0:
				d := delta.RandomEdit(rng, utf8.RuneCountInString(clients[i].Text()))
				out, err := clients[i].Edit(d)
				if err != nil {
					t.Fatalf("seed %d: Edit(%+v) error = %v", seed, d, err)
				}
				if out != nil {
					up[i] = append(up[i], out)
				}
			case 1:
				if len(up[i]) > 0 {
					serve(i)
				}
			default:
				if len(down[i]) > 0 {
					deliver(i)
				}
			}
		}
		for busy := true; busy; {
			busy = false
			for i := range clients {
				for len(up[i]) > 0 {
					serve(i)
					busy = true
				}
				for len(down[i]) > 0 {
					deliver(i)
					busy = true
				}
			}
		}

		want, version := engine.State()
		wantJSON, _ := json.Marshal(want)
		for i, c := range clients {
			got, _ := json.Marshal(c.Content())
			if string(got) != string(wantJSON) || c.Version() != version || c.Pending() != 0 {
				t.Fatalf("seed %d: client %d = %s@%d (pending %d), server = %s@%d", seed, i, got, c.Version(), c.Pending(), wantJSON, version)
			}
		}
	}
}

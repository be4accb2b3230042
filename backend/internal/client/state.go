// Package client is the editor-side half of the sync protocol: local edits
// are applied immediately, sent one at a time, and rebased over concurrent
// operations until the server acknowledges them.
package client

import (
	"errors"
	"fmt"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/delta"
)

var (
	// ErrBufferFull 未确认的本地编辑达到上限，需等待确认或重连
	ErrBufferFull = errors.New("BUFFER_FULL")
	ErrReadOnly   = errors.New("READ_ONLY")
	// ErrOutOfOrder 收到的广播跳号，只能整体重新同步
	ErrOutOfOrder = errors.New("OUT_OF_ORDER")
	ErrNotSynced  = errors.New("NOT_SYNCED")
)

const DefaultMaxPending = 1000

// Outgoing 需要发给服务端的一次提交
type Outgoing struct {
	BaseVersion uint64
	Delta       delta.Delta
	ClientSeq   uint64
}

type pending struct {
	seq   uint64
	d     delta.Delta
	edits int
}

// State 客户端 OT 状态：同步 / 等待确认 / 等待确认且有缓冲。
// 不是并发安全的，由 Client 加锁使用。
type State struct {
	clientID   string
	maxPending int

	sessionID string
	synced    bool
	readOnly  bool

	version uint64
	doc     *collab.PieceTable
	// 已发出未确认的提交，最多一个
	inflight *pending
	// inflight 之后的本地编辑合并成一个 delta
	buffer  *pending
	nextSeq uint64
}

func NewState(clientID string, maxPending int) *State {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &State{clientID: clientID, maxPending: maxPending, doc: collab.NewPieceTable(""), nextSeq: 1}
}

func (s *State) ClientID() string     { return s.clientID }
func (s *State) SessionID() string    { return s.sessionID }
func (s *State) Version() uint64      { return s.version }
func (s *State) Synced() bool         { return s.synced }
func (s *State) ReadOnly() bool       { return s.readOnly }
func (s *State) Text() string         { return s.doc.String() }
func (s *State) Content() delta.Delta { return s.doc.Content() }

// Pending 未确认的本地编辑数
func (s *State) Pending() int {
	n := 0
	if s.inflight != nil {
		n += s.inflight.edits
	}
	if s.buffer != nil {
		n += s.buffer.edits
	}
	return n
}

// Outstanding 当前等待确认的提交，重连或收到 retry 后重发
func (s *State) Outstanding() *Outgoing {
	if s.inflight == nil {
		return nil
	}
	return &Outgoing{BaseVersion: s.version, Delta: s.inflight.d, ClientSeq: s.inflight.seq}
}

// Welcome 处理欢迎消息。首次连接用服务端内容替换本地；重连时保留本地状态，
// 之后的补发或 resync 会让它追上。
func (s *State) Welcome(sessionID string, version uint64, content delta.Delta, readOnly bool) error {
	s.sessionID = sessionID
	s.readOnly = readOnly
	if s.synced {
		return nil
	}
	if s.inflight != nil || s.buffer != nil {
		return fmt.Errorf("%w: local edits before first sync", ErrNotSynced)
	}
	return s.reset(version, content)
}

func (s *State) reset(version uint64, content delta.Delta) error {
	doc, err := collab.NewPieceTableFromContent(content)
	if err != nil {
		return err
	}
	s.doc = doc
	s.version = version
	s.synced = true
	return nil
}

// Edit 立即应用本地编辑；需要发送时返回 Outgoing
func (s *State) Edit(d delta.Delta) (*Outgoing, error) {
	if !s.synced {
		return nil, ErrNotSynced
	}
	if s.readOnly {
		return nil, ErrReadOnly
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if s.Pending() >= s.maxPending {
		return nil, fmt.Errorf("%w: %d unacknowledged edits", ErrBufferFull, s.Pending())
	}
	if err := s.doc.Apply(d); err != nil {
		return nil, err
	}
	switch {
	case s.inflight == nil:
		s.inflight = &pending{seq: s.take(), d: d, edits: 1}
		return s.Outstanding(), nil
	case s.buffer == nil:
		s.buffer = &pending{d: d, edits: 1}
	default:
		s.buffer.d = delta.Compose(s.buffer.d, d)
		s.buffer.edits++
	}
	return nil, nil
}

func (s *State) take() uint64 {
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

// Ack 自己的提交被写到 pos；返回下一条要发送的提交
func (s *State) Ack(pos, clientSeq uint64) (*Outgoing, error) {
	if !s.synced || s.inflight == nil || s.inflight.seq != clientSeq {
		// 重发去重产生的重复 ack
		return nil, nil
	}
	if pos != s.version+1 {
		return nil, fmt.Errorf("%w: ack %d at version %d", ErrOutOfOrder, pos, s.version)
	}
	s.version = pos
	s.inflight = nil
	return s.promote(), nil
}

func (s *State) promote() *Outgoing {
	if s.buffer == nil {
		return nil
	}
	s.inflight = s.buffer
	s.inflight.seq = s.take()
	s.buffer = nil
	return s.Outstanding()
}

// Broadcast 应用其他会话的操作：与未确认的本地编辑互相变换后作用到本地文档。
// 重连补发中出现自己的提交时视同 ack。
func (s *State) Broadcast(pos uint64, authorSession, clientID string, clientSeq uint64, d delta.Delta) (*Outgoing, error) {
	if !s.synced || pos <= s.version {
		return nil, nil
	}
	if pos != s.version+1 {
		return nil, fmt.Errorf("%w: got %d at version %d", ErrOutOfOrder, pos, s.version)
	}
	if clientID == s.clientID && s.inflight != nil && clientSeq == s.inflight.seq {
		return s.Ack(pos, clientSeq)
	}

	// 服务端已经把 d 排在本地提交之前，作者 id 较小的插入在前
	remoteFirst := authorSession <= s.sessionID
	if s.inflight != nil {
		r := delta.Transform(s.inflight.d, d, !remoteFirst)
		s.inflight.d = delta.Transform(d, s.inflight.d, remoteFirst)
		d = r
	}
	if s.buffer != nil {
		r := delta.Transform(s.buffer.d, d, !remoteFirst)
		s.buffer.d = delta.Transform(d, s.buffer.d, remoteFirst)
		d = r
	}
	if err := s.doc.Apply(d); err != nil {
		return nil, err
	}
	s.version = pos
	return nil, nil
}

// Resync 用服务端内容替换本地，丢弃未确认的编辑并返回丢弃数
func (s *State) Resync(version uint64, content delta.Delta) (int, error) {
	dropped := s.drop()
	if err := s.reset(version, content); err != nil {
		return dropped, err
	}
	return dropped, nil
}

// Denied 降为只读：未确认的编辑永远不会被接受，丢弃后等待服务端状态覆盖
func (s *State) Denied() int {
	s.readOnly = true
	return s.Discard()
}

// Discard 丢弃未确认的编辑。本地内容已包含它们，有丢弃时下次连接要求完整内容。
func (s *State) Discard() int {
	dropped := s.drop()
	if dropped > 0 {
		s.synced = false
	}
	return dropped
}

func (s *State) drop() int {
	n := s.Pending()
	s.inflight = nil
	s.buffer = nil
	return n
}

package collab

import (
	"errors"
	"fmt"
	"sync"

	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/ot/delta"
)

var (
	// ErrStaleBase 基线版本早于保留窗口，客户端需要整体重新同步
	ErrStaleBase = errors.New("STALE_BASE")
	// ErrBaseAhead 基线版本比服务端还新
	ErrBaseAhead   = errors.New("BASE_AHEAD")
	ErrPositionGap = errors.New("POSITION_GAP")
)

const defaultWindow = 1024

// Engine 持有单个文档的内存状态：内容缓冲区、版本号和最近的操作窗口。
// 写操作只由文档的 actor 调用；State/Version 可以并发读。
type Engine struct {
	mu      sync.RWMutex
	docID   string
	version uint64
	buf     Buffer

	// 最近 windowCap 条已应用操作，按位置升序且连续，末尾位置 == version
	window    []oplog.LogEntry
	windowCap int
	// 去重：某 clientId 已应用的最大 clientSeq
	lastSeqByClient map[string]uint64
}

// NewEngine 以快照内容和版本初始化引擎
func NewEngine(docID string, content delta.Delta, version uint64, window int) (*Engine, error) {
	pt, err := NewPieceTableFromContent(content)
	if err != nil {
		return nil, fmt.Errorf("load %s@%d: %w", docID, version, err)
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Engine{
		docID:           docID,
		version:         version,
		buf:             pt,
		window:          make([]oplog.LogEntry, 0, window),
		windowCap:       window,
		lastSeqByClient: make(map[string]uint64),
	}, nil
}

// Preload 把快照之前已经包含在内容里的日志尾部放进窗口（不再应用），
// 让基于旧版本的提交在重启后仍能被变换。entries 必须连续且以当前版本结尾。
func (e *Engine) Preload(entries []oplog.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.window) > 0 {
		return fmt.Errorf("preload %s: window not empty", e.docID)
	}
	for i, ent := range entries {
		if i > 0 && ent.Position != entries[i-1].Position+1 {
			return fmt.Errorf("%w: preload %s at %d", ErrPositionGap, e.docID, ent.Position)
		}
	}
	if last := entries[len(entries)-1].Position; last != e.version {
		return fmt.Errorf("%w: preload %s ends at %d, version %d", ErrPositionGap, e.docID, last, e.version)
	}
	if len(entries) > e.windowCap {
		entries = entries[len(entries)-e.windowCap:]
	}
	for _, ent := range entries {
		e.remember(ent)
	}
	return nil
}

func (e *Engine) DocID() string { return e.docID }

func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Transform 把基于 base 编写的 d 变换到当前版本之上。
// 同位置插入时 session id 字典序较小的作者排在前面。
func (e *Engine) Transform(base uint64, author string, d delta.Delta) (delta.Delta, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if base > e.version {
		return nil, fmt.Errorf("%w: base=%d version=%d", ErrBaseAhead, base, e.version)
	}
	if base < e.version-uint64(len(e.window)) {
		return nil, fmt.Errorf("%w: base=%d oldest=%d", ErrStaleBase, base, e.version-uint64(len(e.window)))
	}

	// base 时刻的文档长度
	concurrent := e.window[len(e.window)-int(e.version-base):]
	lenAtBase := e.buf.Len()
	for _, ent := range concurrent {
		lenAtBase -= ent.Delta.Change()
	}
	if d.BaseLen() > lenAtBase {
		return nil, fmt.Errorf("%w: delta needs %d, document had %d at %d", ErrDeltaOutOfBounds, d.BaseLen(), lenAtBase, base)
	}

	for _, ent := range concurrent {
		d = delta.Transform(ent.Delta, d, ent.AuthorSession <= author)
	}
	if d.BaseLen() > e.buf.Len() {
		return nil, fmt.Errorf("%w: transformed delta needs %d, document has %d", ErrDeltaOutOfBounds, d.BaseLen(), e.buf.Len())
	}
	return d, nil
}

// Apply 应用一条日志条目。已应用过的位置直接忽略（返回 false），跳号返回 ErrPositionGap。
func (e *Engine) Apply(entry oplog.LogEntry) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry.Position <= e.version {
		return false, nil
	}
	if entry.Position != e.version+1 {
		return false, fmt.Errorf("%w: %s version=%d entry=%d", ErrPositionGap, e.docID, e.version, entry.Position)
	}
	if err := e.buf.Apply(entry.Delta); err != nil {
		return false, fmt.Errorf("apply %s@%d: %w", e.docID, entry.Position, err)
	}
	e.version = entry.Position
	e.remember(entry)
	return true, nil
}

func (e *Engine) remember(entry oplog.LogEntry) {
	// 窗口满了丢弃最老的一条
	if len(e.window) == e.windowCap {
		copy(e.window[0:], e.window[1:])
		e.window = e.window[:len(e.window)-1]
	}
	e.window = append(e.window, entry)
	if entry.ClientID != "" && entry.ClientSeq > e.lastSeqByClient[entry.ClientID] {
		e.lastSeqByClient[entry.ClientID] = entry.ClientSeq
	}
}

// Lookup 判断 (clientID, clientSeq) 是否已经应用过。
// dup 为真但 pos 为 0 表示原条目已经滑出窗口。
func (e *Engine) Lookup(clientID string, clientSeq uint64) (pos uint64, dup bool) {
	if clientID == "" {
		return 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if clientSeq > e.lastSeqByClient[clientID] {
		return 0, false
	}
	for i := len(e.window) - 1; i >= 0; i-- {
		ent := e.window[i]
		if ent.ClientID == clientID && ent.ClientSeq == clientSeq {
			return ent.Position, true
		}
	}
	return 0, true
}

// State 返回规范化内容和对应版本
func (e *Engine) State() (delta.Delta, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buf.Content(), e.version
}

func (e *Engine) Text() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buf.String()
}

package collab

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"collabSync/backend/internal/ot/delta"
)

var ErrDeltaOutOfBounds = errors.New("DELTA_OUT_OF_BOUNDS")

type bufferKind int

const (
	//iota：在 const (...) 里从 0 开始自动递增。bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int // 偏移量
	length int
	// 这一段文本的样式；只会整体替换，不会原地修改（拆分出的 piece 共享同一个 map）
	attrs map[string]any
}

type PieceTable struct {
	// 原始文本切片
	original []rune
	// 新增文本切片，只追加
	add []rune
	// 分片列表
	pieces []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

// NewPieceTableFromContent 从只含 insert 的规范内容（快照）构造
func NewPieceTableFromContent(content delta.Delta) (*PieceTable, error) {
	pt := &PieceTable{}
	for i, op := range content {
		if op.Kind != delta.KindInsert {
			return nil, fmt.Errorf("content op %d is %s, want insert", i, op.Kind)
		}
		r := []rune(op.Text)
		pt.pieces = append(pt.pieces, piece{
			buf:    bufOriginal,
			offset: len(pt.original),
			length: len(r),
			attrs:  delta.ComposeAttrs(nil, op.Attrs, false),
		})
		pt.original = append(pt.original, r...)
	}
	return pt, nil
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) text(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.text(p)))
	}
	return sb.String()
}

// Content 返回规范化的文档内容：相邻同样式的文本合并成一个 insert。
func (pt *PieceTable) Content() delta.Delta {
	var b delta.Builder
	for _, p := range pt.pieces {
		b.Push(delta.Insert(string(pt.text(p)), p.attrs))
	}
	return b.Chop()
}

// Apply 依次执行 delta 中的 op，pos 是当前游标。
// 先整体校验长度，保证失败时文档不被部分修改。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if need, have := d.BaseLen(), pt.Len(); need > have {
		return fmt.Errorf("%w: delta spans %d, document has %d", ErrDeltaOutOfBounds, need, have)
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count

		case delta.KindInsert:
			r := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, r...)
			idx := pt.splitAt(pos)
			pt.pieces = slices.Insert(pt.pieces, idx, piece{
				buf:    bufAdd,
				offset: start,
				length: len(r),
				attrs:  delta.ComposeAttrs(nil, op.Attrs, false),
			})
			pos += len(r)

		case delta.KindDelete:
			from := pt.splitAt(pos)
			to := pt.splitAt(pos + op.Count)
			pt.pieces = slices.Delete(pt.pieces, from, to)

		case delta.KindFormat:
			from := pt.splitAt(pos)
			to := pt.splitAt(pos + op.Count)
			for i := from; i < to; i++ {
				pt.pieces[i].attrs = delta.ComposeAttrs(pt.pieces[i].attrs, op.Attrs, false)
			}
			pos += op.Count
		}
	}
	return nil
}

// splitAt 保证 pos 落在 piece 边界上，返回从 pos 开始的 piece 下标
func (pt *PieceTable) splitAt(pos int) int {
	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) || offset == 0 {
		return idx
	}
	cur := pt.pieces[idx]
	left := cur
	left.length = offset
	right := cur
	right.offset += offset
	right.length -= offset
	pt.pieces[idx] = left
	pt.pieces = slices.Insert(pt.pieces, idx+1, right)
	return idx + 1
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

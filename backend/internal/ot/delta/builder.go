package delta

import (
	"math"
	"unicode/utf8"
)

// Builder 以规范形式拼接 op：相邻同类同属性的 op 合并，insert 总是排在相邻 delete 之前。
// 规范形式保证同一文档内容只有一种编码，便于逐字节比较。
type Builder struct {
	ops Delta
}

func (b *Builder) Push(op Op) {
	if op.Len() <= 0 {
		return
	}
	op.Attrs = cloneAttrs(op.Attrs)
	n := len(b.ops)
	if n > 0 {
		last := &b.ops[n-1]
		if last.Kind == KindDelete && op.Kind == KindDelete {
			last.Count += op.Count
			return
		}
		if last.Kind == KindDelete && op.Kind == KindInsert {
			if n >= 2 && b.ops[n-2].Kind == KindInsert && attrsEqual(b.ops[n-2].Attrs, op.Attrs) {
				b.ops[n-2].Text += op.Text
				return
			}
			b.ops = append(b.ops, *last)
			b.ops[n-1] = op
			return
		}
		if last.Kind == op.Kind && attrsEqual(last.Attrs, op.Attrs) {
			switch op.Kind {
			case KindInsert:
				last.Text += op.Text
				return
			case KindRetain, KindFormat:
				last.Count += op.Count
				return
			}
		}
	}
	b.ops = append(b.ops, op)
}

// Chop 去掉末尾的普通 retain 并返回结果
func (b *Builder) Chop() Delta {
	for len(b.ops) > 0 && b.ops[len(b.ops)-1].Kind == KindRetain {
		b.ops = b.ops[:len(b.ops)-1]
	}
	if len(b.ops) == 0 {
		return Delta{}
	}
	return b.ops
}

// Normalize 返回 d 的规范形式
func Normalize(d Delta) Delta {
	var b Builder
	for _, op := range d {
		b.Push(op)
	}
	return b.Chop()
}

// iterator 按长度切分 op；耗尽后视为无限长的 retain。
type iterator struct {
	ops    Delta
	index  int
	offset int
}

func newIterator(d Delta) *iterator { return &iterator{ops: d} }

func (it *iterator) hasNext() bool { return it.peekLen() < math.MaxInt }

func (it *iterator) peekLen() int {
	if it.index >= len(it.ops) {
		return math.MaxInt
	}
	return it.ops[it.index].Len() - it.offset
}

func (it *iterator) peekKind() Kind {
	if it.index >= len(it.ops) {
		return KindRetain
	}
	return it.ops[it.index].Kind
}

// next 取出至多 length 长度的 op
func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Retain(length)
	}
	op := it.ops[it.index]
	start := it.offset
	rest := op.Len() - start
	if length >= rest {
		length = rest
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch op.Kind {
	case KindInsert:
		return Insert(runeSlice(op.Text, start, length), op.Attrs)
	case KindFormat:
		return Format(length, op.Attrs)
	case KindDelete:
		return Delete(length)
	default:
		return Retain(length)
	}
}

func runeSlice(s string, start, n int) string {
	if start == 0 && utf8.RuneCountInString(s) == n {
		return s
	}
	r := []rune(s)
	return string(r[start : start+n])
}

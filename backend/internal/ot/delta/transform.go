package delta

import "math"

// Compose 返回与“先应用 a 再应用 b”等价的单个 delta。
func Compose(a, b Delta) Delta {
	ai, bi := newIterator(a), newIterator(b)
	var out Builder
	for ai.hasNext() || bi.hasNext() {
		switch {
		case bi.peekKind() == KindInsert:
			out.Push(bi.next(math.MaxInt))
		case ai.peekKind() == KindDelete:
			out.Push(ai.next(math.MaxInt))
		default:
			n := min(ai.peekLen(), bi.peekLen())
			aop := ai.next(n)
			bop := bi.next(n)
			switch bop.Kind {
			case KindRetain, KindFormat:
				if aop.Kind == KindInsert {
					out.Push(Insert(aop.Text, ComposeAttrs(aop.Attrs, bop.Attrs, false)))
				} else {
					out.Push(retainOp(n, ComposeAttrs(aop.Attrs, bop.Attrs, true)))
				}
			case KindDelete:
				// a 插入又被 b 删除：两者抵消
				if aop.Kind != KindInsert {
					out.Push(bop)
				}
			}
		}
	}
	return out.Chop()
}

// Transform 改写 b，使其可以在 a 之后应用：
//
//	Compose(a, Transform(a, b, p)) == Compose(b, Transform(b, a, !p))
//
// aFirst 决定同一位置的插入谁在前；格式冲突时先生效的一方保留自己的属性值。
func Transform(a, b Delta, aFirst bool) Delta {
	ai, bi := newIterator(a), newIterator(b)
	var out Builder
	for ai.hasNext() || bi.hasNext() {
		switch {
		case ai.peekKind() == KindInsert && (aFirst || bi.peekKind() != KindInsert):
			out.Push(Retain(ai.next(math.MaxInt).Len()))
		case bi.peekKind() == KindInsert:
			out.Push(bi.next(math.MaxInt))
		default:
			n := min(ai.peekLen(), bi.peekLen())
			aop := ai.next(n)
			bop := bi.next(n)
			switch {
			case aop.Kind == KindDelete:
				// 这段内容已被 a 删除，b 对它的操作作废
			case bop.Kind == KindDelete:
				out.Push(bop)
			default:
				out.Push(retainOp(n, transformAttrs(aop.Attrs, bop.Attrs, aFirst)))
			}
		}
	}
	return out.Chop()
}

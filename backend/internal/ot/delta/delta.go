package delta

import (
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	// format 等价于带属性的 retain：长度 Count，属性 Attrs（值为 nil 表示移除该属性）
	KindFormat Kind = "format"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete" / "format"
	Count int            `json:"count,omitempty"` // retain/delete/format 的长度（按 rune 计）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

var ErrInvalidOp = errors.New("INVALID_OP")

func Retain(n int) Op                             { return Op{Kind: KindRetain, Count: n} }
func Delete(n int) Op                             { return Op{Kind: KindDelete, Count: n} }
func Insert(text string, attrs map[string]any) Op { return Op{Kind: KindInsert, Text: text, Attrs: attrs} }
func Format(n int, attrs map[string]any) Op       { return Op{Kind: KindFormat, Count: n, Attrs: attrs} }

// retainOp 没有属性时退化为普通 retain
func retainOp(n int, attrs map[string]any) Op {
	if len(attrs) == 0 {
		return Retain(n)
	}
	return Format(n, attrs)
}

// Len 返回 op 覆盖的 rune 数
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

func (d Delta) Validate() error {
	for i, op := range d {
		switch op.Kind {
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d: empty insert", ErrInvalidOp, i)
			}
			for k, v := range op.Attrs {
				if v == nil {
					return fmt.Errorf("%w: op %d: insert attr %q is null", ErrInvalidOp, i, k)
				}
			}
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d: %s count must be positive", ErrInvalidOp, i, op.Kind)
			}
			if op.Text != "" || len(op.Attrs) > 0 {
				return fmt.Errorf("%w: op %d: %s carries text or attrs", ErrInvalidOp, i, op.Kind)
			}
		case KindFormat:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d: format count must be positive", ErrInvalidOp, i)
			}
			if len(op.Attrs) == 0 {
				return fmt.Errorf("%w: op %d: format without attrs", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: op %d: unknown kind %q", ErrInvalidOp, i, op.Kind)
		}
	}
	return nil
}

// BaseLen 是 delta 要求的最小文档长度（retain/format/delete 覆盖的长度之和）。
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// Change 是应用后文档长度的变化量。
func (d Delta) Change() int {
	n := 0
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			n += op.Len()
		case KindDelete:
			n -= op.Count
		}
	}
	return n
}

// IsNoop 为真时 delta 不改变文档
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Text 拼接所有 insert 的文本，适用于只含 insert 的文档内容
func (d Delta) Text() string {
	var b []byte
	for _, op := range d {
		if op.Kind == KindInsert {
			b = append(b, op.Text...)
		}
	}
	return string(b)
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func cloneAttrs(a map[string]any) map[string]any {
	if len(a) == 0 {
		return nil
	}
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ComposeAttrs 把 b 叠加到 a 上。keepNull=false 时丢弃值为 nil 的键（用于文本上的属性）。
func ComposeAttrs(a, b map[string]any, keepNull bool) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// transformAttrs 返回 b 在 a 之后生效的属性；priority 为真时 a 已设置的键不再被 b 覆盖。
func transformAttrs(a, b map[string]any, priority bool) map[string]any {
	if len(a) == 0 {
		return cloneAttrs(b)
	}
	if len(b) == 0 || !priority {
		return cloneAttrs(b)
	}
	out := make(map[string]any, len(b))
	for k, v := range b {
		if _, ok := a[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

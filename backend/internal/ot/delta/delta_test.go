package delta

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		d    Delta
		ok   bool
	}{
		{"insert", Delta{Insert("a", nil)}, true},
		{"retain-insert", Delta{Retain(2), Insert("x", map[string]any{"bold": true})}, true},
		{"format", Delta{Format(3, map[string]any{"bold": true})}, true},
		{"empty insert", Delta{Insert("", nil)}, false},
		{"zero retain", Delta{Retain(0)}, false},
		{"negative delete", Delta{Delete(-1)}, false},
		{"retain with attrs", Delta{{Kind: KindRetain, Count: 1, Attrs: map[string]any{"bold": true}}}, false},
		{"format without attrs", Delta{Format(2, nil)}, false},
		{"unknown kind", Delta{{Kind: "replace", Count: 1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() error = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidOp) {
				t.Fatalf("Validate() error = %v, want ErrInvalidOp", err)
			}
		})
	}
}

func TestLengths(t *testing.T) {
	d := Delta{Retain(3), Insert("你好", nil), Delete(2), Format(1, map[string]any{"i": true})}
	if got := d.BaseLen(); got != 6 {
		t.Fatalf("BaseLen() = %d, want 6", got)
	}
	if got := d.Change(); got != 0 {
		t.Fatalf("Change() = %d, want 0", got)
	}
	if (Delta{Retain(4)}).IsNoop() != true {
		t.Fatalf("IsNoop() = false for plain retain")
	}
}

func TestBuilder_Canonical(t *testing.T) {
	got := Normalize(Delta{
		Insert("ab", nil),
		Insert("c", nil),
		Retain(2),
		Retain(1),
		Delete(1),
		Insert("x", nil),
		Delete(2),
		Retain(5),
	})
	want := Delta{Insert("abc", nil), Retain(3), Insert("x", nil), Delete(3)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestCompose_Document(t *testing.T) {
	doc := Delta{Insert("Hello world", nil)}
	doc = Compose(doc, Delta{Retain(5), Insert(" collaborative", nil)})
	doc = Compose(doc, Delta{Format(5, map[string]any{"bold": true})})
	doc = Compose(doc, Delta{Retain(19), Delete(6)})

	want := Delta{Insert("Hello", map[string]any{"bold": true}), Insert(" collaborative", nil)}
	if !reflect.DeepEqual(doc, want) {
		t.Fatalf("Compose() = %+v, want %+v", doc, want)
	}
	if got := doc.Text(); got != "Hello collaborative" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestCompose_RemoveAttr(t *testing.T) {
	doc := Delta{Insert("abc", map[string]any{"bold": true, "color": "red"})}
	doc = Compose(doc, Delta{Format(1, map[string]any{"bold": nil})})
	want := Delta{
		Insert("a", map[string]any{"color": "red"}),
		Insert("bc", map[string]any{"bold": true, "color": "red"}),
	}
	if !reflect.DeepEqual(doc, want) {
		t.Fatalf("Compose() = %+v, want %+v", doc, want)
	}
}

func TestTransform_SamePositionInsert(t *testing.T) {
	doc := Delta{Insert("base", nil)}
	a := Delta{Retain(2), Insert("A", nil)}
	b := Delta{Retain(2), Insert("B", nil)}

	left := Compose(Compose(doc, a), Transform(a, b, true))
	right := Compose(Compose(doc, b), Transform(b, a, false))
	if left.Text() != "baABse" || right.Text() != "baABse" {
		t.Fatalf("a first: left=%q right=%q, want baABse", left.Text(), right.Text())
	}

	left = Compose(Compose(doc, a), Transform(a, b, false))
	right = Compose(Compose(doc, b), Transform(b, a, true))
	if left.Text() != "baBAse" || right.Text() != "baBAse" {
		t.Fatalf("b first: left=%q right=%q, want baBAse", left.Text(), right.Text())
	}
}

func TestTransform_DeleteOverlap(t *testing.T) {
	doc := Delta{Insert("0123456789", nil)}
	a := Delta{Retain(2), Delete(5)}        // 删 2..6
	b := Delta{Retain(4), Delete(4)}        // 删 4..7
	c := Delta{Retain(5), Insert("x", nil)} // 在 5 插入（位于 a 删除的区间内）
	f := Delta{Retain(1), Format(8, map[string]any{"u": true})}

	for _, pair := range [][2]Delta{{a, b}, {a, c}, {b, c}, {a, f}, {c, f}} {
		x, y := pair[0], pair[1]
		left := Compose(Compose(doc, x), Transform(x, y, true))
		right := Compose(Compose(doc, y), Transform(y, x, false))
		if !reflect.DeepEqual(left, right) {
			t.Fatalf("diverged for %+v / %+v: %+v vs %+v", x, y, left, right)
		}
	}
}

func TestTransform_FormatPriority(t *testing.T) {
	doc := Delta{Insert("abcd", nil)}
	a := Delta{Format(4, map[string]any{"color": "red"})}
	b := Delta{Retain(1), Format(2, map[string]any{"color": "blue", "bold": true})}

	left := Compose(Compose(doc, a), Transform(a, b, true))
	right := Compose(Compose(doc, b), Transform(b, a, false))
	if !reflect.DeepEqual(left, right) {
		t.Fatalf("diverged: %+v vs %+v", left, right)
	}
	want := Delta{
		Insert("a", map[string]any{"color": "red"}),
		Insert("bc", map[string]any{"color": "red", "bold": true}),
		Insert("d", map[string]any{"color": "red"}),
	}
	if !reflect.DeepEqual(left, want) {
		t.Fatalf("got %+v, want %+v", left, want)
	}
}

// 随机生成的并发 op 对，两种应用顺序必须得到同一个文档
func TestTransform_RandomConvergence(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		doc := Delta{Insert(randomText(rng, 1+rng.IntN(12)), nil)}
		if rng.IntN(2) == 0 {
			doc = Compose(doc, RandomEdit(rng, docLen(doc)))
		}
		a := RandomEdit(rng, docLen(doc))
		b := RandomEdit(rng, docLen(doc))
		p := rng.IntN(2) == 0

		left := Compose(Compose(doc, a), Transform(a, b, p))
		right := Compose(Compose(doc, b), Transform(b, a, !p))
		lj, _ := json.Marshal(left)
		rj, _ := json.Marshal(right)
		if string(lj) != string(rj) {
			t.Fatalf("iteration %d diverged\ndoc=%+v\na=%+v\nb=%+v\nleft=%s\nright=%s", i, doc, a, b, lj, rj)
		}
	}
}

func docLen(d Delta) int {
	n := 0
	for _, op := range d {
		n += op.Len()
	}
	return n
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abcdefgh文档"
	r := []rune(alphabet)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteRune(r[rng.IntN(len(r))])
	}
	return sb.String()
}

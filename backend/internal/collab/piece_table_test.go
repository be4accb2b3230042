package collab

import (
	"errors"
	"reflect"
	"testing"

	"collabSync/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		delta.Retain(5),                     // 跳过 "Hello"
		delta.Insert(" collaborative", nil), // 在 pos=5 插入
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// 保留 "Hello"，然后删 " collaborative"
	d := delta.Delta{
		delta.Retain(5),
		delta.Delete(14),
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	if err := pt.Apply(delta.Delta{delta.Retain(3), delta.Insert("XYZ", nil)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// "abcXYZdef"，删掉 "cXYZd"
	if err := pt.Apply(delta.Delta{delta.Retain(2), delta.Delete(5)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "abef" {
		t.Fatalf("String() = %q, want %q", got, "abef")
	}
}

func TestPieceTable_FormatSplitsAndMerges(t *testing.T) {
	pt := NewPieceTable("Hello world")
	bold := map[string]any{"bold": true}

	if err := pt.Apply(delta.Delta{delta.Retain(2), delta.Format(5, bold)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := delta.Delta{
		delta.Insert("He", nil),
		delta.Insert("llo w", bold),
		delta.Insert("orld", nil),
	}
	if got := pt.Content(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Content() = %+v, want %+v", got, want)
	}

	// 去掉粗体后相邻段合并回一个 insert
	if err := pt.Apply(delta.Delta{delta.Format(11, map[string]any{"bold": nil})}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want = delta.Delta{delta.Insert("Hello world", nil)}
	if got := pt.Content(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Content() = %+v, want %+v", got, want)
	}
}

func TestPieceTable_OutOfBounds(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{delta.Retain(2), delta.Delete(2)})
	if !errors.Is(err, ErrDeltaOutOfBounds) {
		t.Fatalf("Apply() error = %v, want ErrDeltaOutOfBounds", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q after rejected delta", got)
	}
}

func TestPieceTable_ContentRoundTrip(t *testing.T) {
	pt := NewPieceTable("")
	steps := []delta.Delta{
		{delta.Insert("协作文档", map[string]any{"color": "red"})},
		{delta.Retain(2), delta.Insert("编辑", nil)},
		{delta.Retain(1), delta.Format(3, map[string]any{"bold": true})},
	}
	for _, d := range steps {
		if err := pt.Apply(d); err != nil {
			t.Fatalf("Apply(%+v) error = %v", d, err)
		}
	}
	restored, err := NewPieceTableFromContent(pt.Content())
	if err != nil {
		t.Fatalf("NewPieceTableFromContent() error = %v", err)
	}
	if !reflect.DeepEqual(restored.Content(), pt.Content()) {
		t.Fatalf("restored = %+v, want %+v", restored.Content(), pt.Content())
	}

	// 与客户端用 Compose 维护的文档一致
	var doc delta.Delta
	for _, d := range steps {
		doc = delta.Compose(doc, d)
	}
	if !reflect.DeepEqual(doc, pt.Content()) {
		t.Fatalf("compose doc = %+v, piece table = %+v", doc, pt.Content())
	}
}

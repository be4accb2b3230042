package collab

import (
	"collabSync/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
	// 规范化内容，相同文档在任何副本上编码一致
	Content() delta.Delta
}

var _ Buffer = (*PieceTable)(nil)

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空
- piece 表：

[ (orig, offset=0, length=11, attrs=nil) ]

在位置 5 插入 `" collaborative"`，再把前 5 个字符加粗：

[
  (orig, offset=0, length=5,  attrs={bold:true}),  // "Hello"
  (add,  offset=0, length=14, attrs=nil),          // " collaborative"
  (orig, offset=5, length=6,  attrs=nil),          // " world"
]

Content() 输出：[{insert "Hello" bold} {insert " collaborative world"}]
*/

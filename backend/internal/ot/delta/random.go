package delta

import "math/rand/v2"

var randomFormats = []map[string]any{
	{"bold": true},
	{"bold": nil},
	{"color": "red"},
	{"color": "blue"},
}

// RandomEdit 生成一个作用于长度为 length 的文档的合法 delta，用于属性测试和压测。
func RandomEdit(rng *rand.Rand, length int) Delta {
	var b Builder
	pos := 0
	for steps := 1 + rng.IntN(3); steps > 0; steps-- {
		if rest := length - pos; rest > 0 {
			skip := rng.IntN(rest + 1)
			b.Push(Retain(skip))
			pos += skip
		}
		rest := length - pos
		switch k := rng.IntN(3); {
		case k == 0 || rest == 0:
			var attrs map[string]any
			if rng.IntN(4) == 0 {
				attrs = map[string]any{"bold": true}
			}
			b.Push(Insert(randomWord(rng), attrs))
		case k == 1:
			n := 1 + rng.IntN(rest)
			b.Push(Delete(n))
			pos += n
		default:
			n := 1 + rng.IntN(rest)
			b.Push(Format(n, randomFormats[rng.IntN(len(randomFormats))]))
			pos += n
		}
	}
	return b.Chop()
}

func randomWord(rng *rand.Rand) string {
	words := []string{"a", "bc", "xyz", "é", "协作", "\n"}
	return words[rng.IntN(len(words))]
}

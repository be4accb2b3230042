package cache

import (
	"math/rand/v2"
	"time"
)

const (
	BaseTTL = 24 * time.Hour   // 基础过期时间
	Jitter  = 60 * time.Minute // 随机抖动范围
	// 空值标记，防止缓存穿透
	EmptyCacheMarker = "-1"
	NullTTL          = 5 * time.Minute
)

// 获取随机TTL，防止缓存雪崩
func randomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int64N(int64(Jitter)))
}

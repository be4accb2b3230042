package cache

import "fmt"

// 键语义：
// - roomKey(docID):     文档在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):    文档内 userId→username 映射（Hash）
// - snapshotKey(docID): 最新快照（String，JSON 或空值标记）
//
// {docID:...} 作为 hash tag，同一文档的键落在同一个 cluster slot，Lua 脚本可以同时操作。

const (
	keyRoomFmt     = "presence:room:{docID:%s}"
	keyNamesFmt    = "presence:room:names:{docID:%s}"
	keySnapshotFmt = "snapshot:latest:{docID:%s}"
)

func roomKey(docID string) string     { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string    { return fmt.Sprintf(keyNamesFmt, docID) }
func snapshotKey(docID string) string { return fmt.Sprintf(keySnapshotFmt, docID) }

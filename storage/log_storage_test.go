package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLogStorage(t *testing.T) *LogStorage {
	t.Helper()

	ls, err := NewLogStorage(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("创建日志存储失败: %v", err)
	}
	t.Cleanup(func() { ls.Close() })
	return ls
}

func TestWriteAndQuery(t *testing.T) {
	ls := newTestLogStorage(t)

	ls.Write("INFO", "系统启动")
	ls.Write("ERROR", "数据库连接失败")
	ls.Write("INFO", "交易循环开始")
	ls.Flush()

	records, total, err := ls.Query(&LogQuery{})
	if err != nil {
		t.Fatalf("查询日志失败: %v", err)
	}
	if total != 3 || len(records) != 3 {
		t.Fatalf("应有 3 条日志, 实际 total=%d len=%d", total, len(records))
	}

	// 按级别过滤
	records, total, err = ls.Query(&LogQuery{Level: "ERROR"})
	if err != nil {
		t.Fatalf("按级别查询失败: %v", err)
	}
	if total != 1 || records[0].Message != "数据库连接失败" {
		t.Errorf("ERROR 级别应有 1 条, 实际 %d", total)
	}

	// 关键字过滤
	_, total, err = ls.Query(&LogQuery{Keyword: "交易"})
	if err != nil {
		t.Fatalf("关键字查询失败: %v", err)
	}
	if total != 1 {
		t.Errorf("关键字命中应为 1 条, 实际 %d", total)
	}
}

func TestQueryPagination(t *testing.T) {
	ls := newTestLogStorage(t)

	for i := 0; i < 10; i++ {
		ls.Write("INFO", "消息")
	}
	ls.Flush()

	records, total, err := ls.Query(&LogQuery{Limit: 4})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if total != 10 || len(records) != 4 {
		t.Errorf("分页错误: total=%d len=%d", total, len(records))
	}

	records, _, err = ls.Query(&LogQuery{Limit: 4, Offset: 8})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("最后一页应有 2 条, 实际 %d", len(records))
	}
}

func TestCleanOldLogs(t *testing.T) {
	ls := newTestLogStorage(t)

	ls.Write("INFO", "新日志")
	ls.Flush()

	// 旧日志直接插入
	old := time.Now().AddDate(0, 0, -30)
	if _, err := ls.db.Exec(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`, old, "INFO", "旧日志"); err != nil {
		t.Fatalf("插入旧日志失败: %v", err)
	}

	deleted, err := ls.CleanOldLogs(7)
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if deleted != 1 {
		t.Errorf("应删除 1 条旧日志, 实际 %d", deleted)
	}

	_, total, _ := ls.Query(&LogQuery{})
	if total != 1 {
		t.Errorf("清理后应剩 1 条, 实际 %d", total)
	}
}

func TestCloseIdempotent(t *testing.T) {
	ls := newTestLogStorage(t)

	if err := ls.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := ls.Close(); err != nil {
		t.Fatalf("重复关闭应幂等: %v", err)
	}
	// 关闭后写入不 panic
	ls.Write("INFO", "关闭后的消息")
}

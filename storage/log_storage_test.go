package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLogStorage(t *testing.T) *LogStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs.db")
	ls, err := NewLogStorage(path)
	if err != nil {
		t.Fatalf("创建日志存储失败: %v", err)
	}
	t.Cleanup(func() { ls.Close() })
	return ls
}

func waitForLogs(t *testing.T, ls *LogStorage, params LogQueryParams, want int) []*LogRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		logs, total, err := ls.GetLogs(params)
		if err != nil {
			t.Fatalf("查询日志失败: %v", err)
		}
		if total >= want {
			return logs
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("等待日志写入超时，期望 %d 条", want)
	return nil
}

func TestLogStorageWriteAndQuery(t *testing.T) {
	ls := newTestLogStorage(t)

	// 写满一个批次，触发立即刷新
	for i := 0; i < 100; i++ {
		ls.WriteLog("INFO", "测试日志")
	}
	ls.WriteLog("ERROR", "出错了")
	ls.WriteLog("WARN", "注意")

	logs := waitForLogs(t, ls, LogQueryParams{Level: "ERROR"}, 1)
	if len(logs) != 1 {
		t.Fatalf("按级别过滤结果错误: 期望 1 条，实际 %d 条", len(logs))
	}
	if logs[0].Message != "出错了" {
		t.Errorf("日志内容错误: %s", logs[0].Message)
	}

	logs, total, err := ls.GetLogs(LogQueryParams{Keyword: "注意"})
	if err != nil {
		t.Fatalf("关键词查询失败: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Errorf("关键词查询结果错误: total=%d len=%d", total, len(logs))
	}
}

func TestLogStorageCleanOldLogs(t *testing.T) {
	ls := newTestLogStorage(t)

	// 直接插入一条过期日志
	old := time.Now().AddDate(0, 0, -40)
	if _, err := ls.db.Exec(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`,
		old, "INFO", "旧日志"); err != nil {
		t.Fatalf("插入旧日志失败: %v", err)
	}

	deleted, err := ls.CleanOldLogs(30)
	if err != nil {
		t.Fatalf("清理日志失败: %v", err)
	}
	if deleted != 1 {
		t.Errorf("清理数量错误: 期望 1，实际 %d", deleted)
	}
}

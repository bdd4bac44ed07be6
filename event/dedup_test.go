package event

import (
	"testing"
	"time"
)

func TestDeduperRejectsDuplicates(t *testing.T) {
	d := NewDeduper(time.Hour, 5*time.Minute)

	if !d.TryMarkPending("ord1|1000") {
		t.Fatal("首次标记应成功")
	}
	if d.TryMarkPending("ord1|1000") {
		t.Error("排队中的键应被拒绝")
	}

	d.MarkProcessed("ord1|1000")
	if d.TryMarkPending("ord1|1000") {
		t.Error("已处理的键应被拒绝")
	}

	// 同 ordId 不同 uTime 是不同事件
	if !d.TryMarkPending("ord1|2000") {
		t.Error("不同 uTime 的事件不应被拒绝")
	}
}

func TestDeduperUnmark(t *testing.T) {
	d := NewDeduper(time.Hour, 5*time.Minute)

	d.TryMarkPending("ord1|1000")
	d.Unmark("ord1|1000")

	if !d.TryMarkPending("ord1|1000") {
		t.Error("回滚后的键应可重新标记")
	}
}

func TestDeduperPurgeExpired(t *testing.T) {
	d := NewDeduper(50*time.Millisecond, 50*time.Millisecond)

	d.TryMarkPending("ord1|1000")
	d.MarkProcessed("ord1|1000")
	d.TryMarkPending("ord2|1000")

	time.Sleep(100 * time.Millisecond)
	d.purge()

	processed, pending := d.Size()
	if processed != 0 || pending != 0 {
		t.Errorf("过期键应被清除, 实际 processed=%d pending=%d", processed, pending)
	}

	// 清除后事件可以重新进入（TTL 是去重窗口的边界）
	if !d.TryMarkPending("ord1|1000") {
		t.Error("TTL 过期后键应可重新标记")
	}
}

package monitor

import (
	"testing"
	"time"
)

func TestCollectSystemMetrics(t *testing.T) {
	m, err := CollectSystemMetrics()
	if err != nil {
		t.Skipf("当前环境无法采集系统指标: %v", err)
	}

	if m.Goroutines <= 0 {
		t.Errorf("协程数应大于0, 实际 %d", m.Goroutines)
	}
	if m.MemoryMB <= 0 {
		t.Errorf("内存占用应大于0, 实际 %f", m.MemoryMB)
	}
	if m.ProcessID <= 0 {
		t.Errorf("进程ID应大于0, 实际 %d", m.ProcessID)
	}
}

func TestGetGoRuntimeStats(t *testing.T) {
	stats := GetGoRuntimeStats()

	goroutines, ok := stats["goroutines"].(int)
	if !ok || goroutines <= 0 {
		t.Errorf("协程数统计异常: %v", stats["goroutines"])
	}
	if _, ok := stats["alloc_mb"].(float64); !ok {
		t.Error("缺少 alloc_mb 统计")
	}
}

func TestSystemCollectorPushesMetrics(t *testing.T) {
	sc := NewSystemCollector(time.Second)

	// 单次采集不应 panic，且运行时指标随采集写入 Prometheus
	sc.collectOnce()
}

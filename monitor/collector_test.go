package monitor

import (
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	m, err := Collect()
	if err != nil {
		t.Fatalf("采集系统指标失败: %v", err)
	}

	if m.MemoryMB <= 0 {
		t.Errorf("进程内存应大于 0, 实际 %f MB", m.MemoryMB)
	}
	if m.Goroutines <= 0 {
		t.Errorf("协程数应大于 0, 实际 %d", m.Goroutines)
	}
	if m.ProcessID <= 0 {
		t.Errorf("进程 ID 应大于 0, 实际 %d", m.ProcessID)
	}
	t.Logf("✅ CPU %.1f%%, 内存 %.1fMB, 协程 %d", m.CPUPercent, m.MemoryMB, m.Goroutines)
}

func TestCollectorLatest(t *testing.T) {
	c := NewCollector(10 * time.Millisecond)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Latest() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	latest := c.Latest()
	if latest == nil {
		t.Fatal("采集器启动后应产出指标")
	}
	if latest.Timestamp.IsZero() {
		t.Error("指标应带时间戳")
	}
}

func TestRuntimeStats(t *testing.T) {
	stats := RuntimeStats()
	for _, key := range []string{"goroutines", "alloc_mb", "num_gc"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("运行时统计缺少字段 %s", key)
		}
	}
}

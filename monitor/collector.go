package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"autofutures/logger"
	"autofutures/metrics"
)

// SystemMetrics 系统资源采样
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	Goroutines    int       `json:"goroutines"`
	ProcessID     int       `json:"process_id"`
}

// Collector 系统监控采集器，定期采样并刷新 Prometheus 指标
type Collector struct {
	interval time.Duration

	mu   sync.RWMutex
	last *SystemMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector 创建采集器
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{interval: interval}
}

// Start 启动采集循环
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			c.collect()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	logger.Info("✅ 系统监控采集器已启动 (间隔 %s)", c.interval)
}

// Stop 停止采集
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Latest 最近一次采样，尚未采样时返回 nil
func (c *Collector) Latest() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	sample, err := Collect()
	if err != nil {
		logger.Warn("⚠️ 系统指标采集失败: %v", err)
		return
	}

	c.mu.Lock()
	c.last = sample
	c.mu.Unlock()

	metrics.SystemCPUPercent.Set(sample.CPUPercent)
	metrics.SystemMemoryPercent.Set(sample.MemoryPercent)
	metrics.SystemGoroutines.Set(float64(sample.Goroutines))
}

// Collect 采集一次当前进程的资源占用
func Collect() (*SystemMetrics, error) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		// 进程级采集失败时回退到系统级
		percentages, cerr := cpu.Percent(0, false)
		if cerr != nil || len(percentages) == 0 {
			return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
		cpuPercent = percentages[0]
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}
	memoryMB := float64(memInfo.RSS) / 1024 / 1024

	var memoryPercent float64
	if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
		memoryPercent = float64(memInfo.RSS) / float64(memStat.Total) * 100
	}

	return &SystemMetrics{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    cpuPercent,
		MemoryMB:      memoryMB,
		MemoryPercent: memoryPercent,
		Goroutines:    runtime.NumGoroutine(),
		ProcessID:     pid,
	}, nil
}

// RuntimeStats Go 运行时统计，调试接口使用
func RuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines":     runtime.NumGoroutine(),
		"alloc_mb":       float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb": float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":         float64(m.Sys) / 1024 / 1024,
		"num_gc":         m.NumGC,
	}
}

package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"github.com/multi-agent/go-agui/internal/bus"
	"github.com/multi-agent/go-agui/internal/conversation"
	"github.com/multi-agent/go-agui/pkg/logger"
)

// DefaultDebounce 两次保存之间的静默时间。
const DefaultDebounce = 500 * time.Millisecond

// Source Autosaver 的数据来源 (engine.Engine 实现)。
type Source interface {
	Subscribe(fn bus.Listener) func()
	Export() ([]*conversation.Thread, string)
}

// Autosaver 订阅引擎变更, 防抖后整体保存快照。
//
// 订阅回调运行在引擎写锁内, 只负责触发防抖; 真正的 Export + Save 在
// 防抖计时器的 goroutine 中执行。保存失败只记录日志, 不影响引擎。
type Autosaver struct {
	gw      Gateway
	src     Source
	trigger func(f func())
	timeout time.Duration

	saveMu      sync.Mutex // 串行化 Save, 保护 stopped
	stopped     bool       // Stop 之后挂起的防抖回调不再保存
	unsubscribe func()
	stopOnce    sync.Once

	saves    atomic.Int64
	failures atomic.Int64
	lastErr  atomic.Value // error
	onSave   func(err error)
}

// AutosaveOptions 构造参数。
type AutosaveOptions struct {
	Debounce    time.Duration   // <=0 → DefaultDebounce
	SaveTimeout time.Duration   // 单次 Save 超时, <=0 → 10s
	OnSave      func(err error) // 每次保存后回调 (metrics), 可为 nil
}

// NewAutosaver 创建并立即订阅 src。调用 Stop 解除订阅并落盘。
func NewAutosaver(gw Gateway, src Source, opts AutosaveOptions) *Autosaver {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	a := &Autosaver{
		gw:      gw,
		src:     src,
		trigger: debounce.New(opts.Debounce),
		timeout: opts.SaveTimeout,
		onSave:  opts.OnSave,
	}
	a.unsubscribe = src.Subscribe(a.onChange)
	return a
}

func (a *Autosaver) onChange(bus.Snapshot) {
	a.trigger(a.saveInBackground)
}

func (a *Autosaver) saveInBackground() {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	if a.stopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	_ = a.flushLocked(ctx)
}

// Flush 立即导出并保存当前快照。
func (a *Autosaver) Flush(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	return a.flushLocked(ctx)
}

// flushLocked 调用方必须持有 saveMu。
func (a *Autosaver) flushLocked(ctx context.Context) error {
	start := time.Now()
	threads, current := a.src.Export()
	err := a.gw.Save(ctx, threads, current)
	if err != nil {
		a.failures.Add(1)
		a.lastErr.Store(errBox{err})
		logger.Warn("persist: save failed",
			logger.FieldError, err,
			logger.FieldCount, len(threads),
		)
	} else {
		a.saves.Add(1)
		logger.Debug("persist: saved",
			logger.FieldCount, len(threads),
			logger.FieldThreadID, current,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	}
	if a.onSave != nil {
		a.onSave(err)
	}
	return err
}

// Stop 解除订阅并做最后一次保存。可重复调用。
//
// 返回后不会再调用 Gateway.Save (已挂起的防抖回调直接放弃), 调用方可以关闭 Gateway。
func (a *Autosaver) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.unsubscribe()
		a.saveMu.Lock()
		defer a.saveMu.Unlock()
		a.stopped = true
		err = a.flushLocked(ctx)
	})
	return err
}

// Saves 成功保存次数。
func (a *Autosaver) Saves() int64 { return a.saves.Load() }

// Failures 失败保存次数。
func (a *Autosaver) Failures() int64 { return a.failures.Load() }

// LastError 最近一次失败的错误, 没有则 nil。
func (a *Autosaver) LastError() error {
	if b, ok := a.lastErr.Load().(errBox); ok {
		return b.err
	}
	return nil
}

// errBox atomic.Value 要求每次 Store 的具体类型一致。
type errBox struct{ err error }

package browser

import (
	"time"

	"github.com/hazyhaar/flagswap/mutation"
)

// DebounceConfig controls batching of page records.
type DebounceConfig struct {
	// Window is the quiet time before a batch is flushed. Default: 100ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many records accumulate.
	// Default: 1000.
	MaxBuffer int
}

func (dc *DebounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 100 * time.Millisecond
	}
	if dc.MaxBuffer <= 0 {
		dc.MaxBuffer = 1000
	}
}

// debouncer collects page records and hands compressed batches to flushFn
// when the window expires or the buffer fills. Not safe for concurrent
// use; the tab's event loop owns it.
type debouncer struct {
	cfg     DebounceConfig
	records []mutation.Record
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func([]mutation.Record)
}

func newDebouncer(cfg DebounceConfig, flushFn func([]mutation.Record)) *debouncer {
	cfg.defaults()
	return &debouncer{
		cfg:     cfg,
		records: make([]mutation.Record, 0, cfg.MaxBuffer),
		flushFn: flushFn,
	}
}

// add buffers rec and reports whether the buffer filled and was flushed.
func (d *debouncer) add(rec mutation.Record) bool {
	d.records = append(d.records, rec)
	if len(d.records) >= d.cfg.MaxBuffer {
		d.flush()
		return true
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
	return false
}

// timerC fires when the window expires. Nil while the buffer is empty.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

func (d *debouncer) flush() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
	if len(d.records) == 0 {
		return
	}
	batch := mutation.Compress(d.records)
	d.records = make([]mutation.Record, 0, d.cfg.MaxBuffer)
	d.flushFn(batch)
}

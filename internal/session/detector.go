package session

import (
	"sync"
	"time"
)

// Detector fires its idle callback when a conversation stays quiet for the
// configured timeout. A non-positive timeout disables it.
type Detector struct {
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	onIdle  func()
}

func NewDetector(timeout time.Duration) *Detector {
	return &Detector{timeout: timeout}
}

func (d *Detector) OnIdle(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdle = callback
}

// OnActivity cancels a pending idle timer.
func (d *Detector) OnActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// OnQuiet (re)arms the idle timer.
func (d *Detector) OnQuiet() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timeout <= 0 {
		return
	}
	d.stopLocked()

	var timer *time.Timer
	timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.timer != timer {
			d.mu.Unlock()
			return
		}
		callback := d.onIdle
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
	d.timer = timer
}

func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Detector) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

package cron

import (
	"strings"
	"sync"
)

// ringCap bounds the retained output per job.
const ringCap = 50 * 1024

// outputRing keeps the most recent output of a job, dropping whole
// lines from the front once the cap is exceeded.
type outputRing struct {
	mu  sync.Mutex
	buf []byte
}

func (r *outputRing) append(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, chunk...)
	if len(r.buf) <= ringCap {
		return
	}
	cut := len(r.buf) - ringCap
	if nl := strings.IndexByte(string(r.buf[cut:]), '\n'); nl >= 0 {
		cut += nl + 1
	}
	r.buf = append(r.buf[:0], r.buf[cut:]...)
}

func (r *outputRing) contents() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

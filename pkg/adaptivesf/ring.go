// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adaptivesf

// ring is a fixed-size window of RSSI samples.
type ring struct {
	buf   []int
	next  int
	count int
}

func newRing(size int) ring {
	return ring{buf: make([]int, size)}
}

func (r *ring) push(v int) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) full() bool {
	return r.count == len(r.buf)
}

func (r *ring) mean() float64 {
	if r.count == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < r.count; i++ {
		sum += r.buf[i]
	}
	return float64(sum) / float64(r.count)
}

func (r *ring) reset() {
	r.next = 0
	r.count = 0
}

// samples returns the window oldest first.
func (r *ring) samples() []int {
	out := make([]int, 0, r.count)
	start := 0
	if r.full() {
		start = r.next
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

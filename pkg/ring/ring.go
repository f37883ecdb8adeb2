// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ring provides a fixed-size circular buffer shared by the sample
// history and diagnostics packages.
package ring

// Buffer is a fixed-size circular buffer.
//
// # Description
//
// O(1) append with bounded memory: once the buffer reaches capacity the
// oldest entry is overwritten. Entries are value copies, never references
// into caller-owned state.
//
// # Thread Safety
//
// NOT safe for concurrent use; the owning component synchronizes.
type Buffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

// New creates a buffer with the given capacity (minimum 1).
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Append adds an entry, overwriting the oldest once at capacity.
func (b *Buffer[T]) Append(item T) {
	b.data[b.head] = item
	b.head = (b.head + 1) % len(b.data)
	if b.count < len(b.data) {
		b.count++
	}
}

// Items returns a copy of all entries, oldest first.
func (b *Buffer[T]) Items() []T {
	if b.count == 0 {
		return nil
	}
	out := make([]T, 0, b.count)
	start := b.head - b.count
	if start < 0 {
		start += len(b.data)
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.data[(start+i)%len(b.data)])
	}
	return out
}

// Newest returns the most recently appended entry.
func (b *Buffer[T]) Newest() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	idx := b.head - 1
	if idx < 0 {
		idx += len(b.data)
	}
	return b.data[idx], true
}

// Tail returns up to n of the most recent entries, oldest first.
func (b *Buffer[T]) Tail(n int) []T {
	items := b.Items()
	if n <= 0 || len(items) == 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}
	return items[len(items)-n:]
}

// Len returns the current number of entries.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Full reports whether the buffer has reached capacity.
func (b *Buffer[T]) Full() bool { return b.count == len(b.data) }

// Reset discards all entries and clears stored values.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.head = 0
	b.count = 0
}

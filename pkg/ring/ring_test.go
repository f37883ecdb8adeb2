// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ring

import "testing"

func TestBuffer_AppendAndItems(t *testing.T) {
	b := New[int](3)

	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	if items := b.Items(); items != nil {
		t.Errorf("Items() = %v, want nil", items)
	}

	b.Append(1)
	b.Append(2)

	items := b.Items()
	if len(items) != 2 || items[0] != 1 || items[1] != 2 {
		t.Errorf("Items() = %v, want [1 2]", items)
	}
}

func TestBuffer_OverwritesOldestAtCapacity(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Append(i)
	}

	if !b.Full() {
		t.Error("Full() = false, want true")
	}
	items := b.Items()
	want := []int{3, 4, 5}
	if len(items) != len(want) {
		t.Fatalf("Items() = %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("Items() = %v, want %v", items, want)
		}
	}
}

func TestBuffer_Newest(t *testing.T) {
	b := New[string](2)

	if _, ok := b.Newest(); ok {
		t.Error("Newest() on empty buffer returned ok")
	}

	b.Append("a")
	b.Append("b")
	b.Append("c")

	got, ok := b.Newest()
	if !ok || got != "c" {
		t.Errorf("Newest() = %q, %v, want \"c\", true", got, ok)
	}
}

func TestBuffer_Tail(t *testing.T) {
	b := New[int](4)
	for i := 1; i <= 6; i++ {
		b.Append(i)
	}

	tail := b.Tail(2)
	if len(tail) != 2 || tail[0] != 5 || tail[1] != 6 {
		t.Errorf("Tail(2) = %v, want [5 6]", tail)
	}
	if got := b.Tail(10); len(got) != 4 {
		t.Errorf("Tail(10) returned %d items, want 4", len(got))
	}
	if got := b.Tail(0); got != nil {
		t.Errorf("Tail(0) = %v, want nil", got)
	}
}

func TestBuffer_Reset(t *testing.T) {
	b := New[int](2)
	b.Append(1)
	b.Append(2)
	b.Reset()

	if b.Len() != 0 || b.Full() {
		t.Errorf("after Reset: Len() = %d, Full() = %v", b.Len(), b.Full())
	}
	b.Append(7)
	items := b.Items()
	if len(items) != 1 || items[0] != 7 {
		t.Errorf("Items() after Reset+Append = %v, want [7]", items)
	}
}

func TestBuffer_MinimumCapacity(t *testing.T) {
	b := New[int](0)
	if b.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1", b.Cap())
	}
	b.Append(1)
	b.Append(2)
	if got, _ := b.Newest(); got != 2 {
		t.Errorf("Newest() = %d, want 2", got)
	}
}

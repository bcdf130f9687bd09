// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ringbuf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func contents(r *Ring[int]) []int {
	var out []int
	r.Each(func(v int) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestPushPopFIFO(t *testing.T) {
	r := New[int](4)
	for i := 1; i <= 4; i++ {
		if !r.Push(i) {
			t.Fatalf("Push(%d) failed on non-full ring", i)
		}
	}
	if r.Push(5) {
		t.Errorf("Push on full ring succeeded")
	}
	if got, want := r.Len(), 4; got != want {
		t.Errorf("Len() got %d, want %d", got, want)
	}
	for want := 1; want <= 4; want++ {
		got, ok := r.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() got (%d, %t), want (%d, true)", got, ok, want)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Errorf("Pop on empty ring succeeded")
	}
}

func TestWrapAround(t *testing.T) {
	r := New[int](3)
	next := 0
	// Cycle several times around the backing array.
	for round := 0; round < 10; round++ {
		for r.Push(next) {
			next++
		}
		v, _ := r.Pop()
		w, _ := r.Pop()
		if w != v+1 {
			t.Fatalf("round %d: popped %d then %d, want consecutive", round, v, w)
		}
		if r.head >= r.Cap() || r.tail >= r.Cap() {
			t.Fatalf("round %d: head=%d tail=%d out of range", round, r.head, r.tail)
		}
	}
}

func TestRemove(t *testing.T) {
	for _, tc := range []struct {
		name   string
		setup  func(r *Ring[int])
		remove int
		found  bool
		want   []int
	}{
		{
			name:   "middle",
			setup:  func(r *Ring[int]) { r.Push(1); r.Push(2); r.Push(3) },
			remove: 2,
			found:  true,
			want:   []int{1, 3},
		},
		{
			name:   "front",
			setup:  func(r *Ring[int]) { r.Push(1); r.Push(2); r.Push(3) },
			remove: 1,
			found:  true,
			want:   []int{2, 3},
		},
		{
			name: "wrapped back",
			setup: func(r *Ring[int]) {
				for i := 0; i < 4; i++ {
					r.Push(i)
				}
				r.Pop()
				r.Pop()
				r.Push(4)
				r.Push(5)
			},
			remove: 5,
			found:  true,
			want:   []int{2, 3, 4},
		},
		{
			name:   "missing",
			setup:  func(r *Ring[int]) { r.Push(1) },
			remove: 7,
			found:  false,
			want:   []int{1},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := New[int](4)
			tc.setup(r)
			_, found := r.Remove(func(v int) bool { return v == tc.remove })
			if found != tc.found {
				t.Errorf("Remove(%d) found = %t, want %t", tc.remove, found, tc.found)
			}
			if diff := cmp.Diff(tc.want, contents(r)); diff != "" {
				t.Errorf("contents mismatch (-want +got):\n%s", diff)
			}
			// The ring must still behave after removal.
			if !r.Push(9) {
				t.Errorf("Push after Remove failed")
			}
			if got := contents(r); got[len(got)-1] != 9 {
				t.Errorf("Push after Remove appended out of order: %v", got)
			}
		})
	}
}

func TestPeekAndAt(t *testing.T) {
	r := New[string](2)
	if _, ok := r.Peek(); ok {
		t.Errorf("Peek on empty ring succeeded")
	}
	r.Push("a")
	r.Push("b")
	if v, _ := r.Peek(); v != "a" {
		t.Errorf("Peek() got %q, want %q", v, "a")
	}
	if v := r.At(1); v != "b" {
		t.Errorf("At(1) got %q, want %q", v, "b")
	}
	r.Reset()
	if !r.Empty() || r.Cap() != 2 {
		t.Errorf("Reset left Len=%d Cap=%d, want 0 and 2", r.Len(), r.Cap())
	}
}

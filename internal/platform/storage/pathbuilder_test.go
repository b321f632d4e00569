package storage

import "testing"

func TestSnapshotObject(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"designs/d1/Front.PNG", "orders/ord_01J/items/item_1/front.png"},
		{"designs/d1/front", "orders/ord_01J/items/item_1/front"},
		{"designs/d1/front.png?alt=media", "orders/ord_01J/items/item_1/front"},
	}
	for _, tc := range cases {
		got, err := SnapshotObject("ord_01J", " item_1 ", "front", tc.source)
		if err != nil {
			t.Fatalf("%s: %v", tc.source, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.source, tc.want, got)
		}
	}
}

func TestSnapshotObjectRejectsUnsafeSegments(t *testing.T) {
	bad := [][3]string{
		{"../ord", "item", "front"},
		{"ord", "a/b", "front"},
		{"ord", "item", ""},
		{"ord", `item\x`, "back"},
	}
	for _, seg := range bad {
		if _, err := SnapshotObject(seg[0], seg[1], seg[2], "x.png"); err == nil {
			t.Fatalf("expected %v to be rejected", seg)
		}
	}
}

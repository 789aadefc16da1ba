package shard

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Shard
		wantErr bool
	}{
		{"whole model", Shard{"llama3-8b", 0, 32, 32}, false},
		{"middle", Shard{"llama3-8b", 8, 16, 32}, false},
		{"empty id", Shard{"", 0, 1, 1}, true},
		{"negative start", Shard{"m", -1, 2, 4}, true},
		{"empty range", Shard{"m", 2, 2, 4}, true},
		{"past end", Shard{"m", 0, 5, 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	first, err := New("m", 0, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	last := Shard{"m", 2, 4, 4}

	if !first.IsFirst() || first.IsLast() {
		t.Errorf("%v: IsFirst=%v IsLast=%v", first, first.IsFirst(), first.IsLast())
	}
	if last.IsFirst() || !last.IsLast() {
		t.Errorf("%v: IsFirst=%v IsLast=%v", last, last.IsFirst(), last.IsLast())
	}
	if !last.Contains(2) || !last.Contains(3) || last.Contains(4) || last.Contains(1) {
		t.Errorf("Contains wrong for %v", last)
	}
	if first.Len() != 2 {
		t.Errorf("Len = %d", first.Len())
	}
	if got := last.String(); got != "m[2:4/4]" {
		t.Errorf("String = %q", got)
	}
}

func TestEquality(t *testing.T) {
	a := Shard{"m", 0, 2, 4}
	b := Shard{"m", 0, 2, 4}
	if a != b {
		t.Error("identical shards should compare equal")
	}
	if a == (Shard{"m", 0, 3, 4}) {
		t.Error("different ranges should not compare equal")
	}
	seen := map[Shard]int{a: 1}
	if seen[b] != 1 {
		t.Error("shard should work as a map key")
	}
}

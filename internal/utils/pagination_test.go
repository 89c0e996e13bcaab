package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	tests := []struct {
		name string
		in   string
		def  int
		want int
	}{
		{"empty uses default", "", 7, 7},
		{"valid number", "42", 7, 42},
		{"negative number", "-3", 7, -3},
		{"garbage uses default", "4x2", 7, 7},
		{"float uses default", "4.2", 7, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AtoiDefault(tc.in, tc.def); got != tc.want {
				t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.in, tc.def, got, tc.want)
			}
		})
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		name        string
		page, per   int
		max         int
		wantPage    int
		wantPerPage int
	}{
		{"in range", 2, 25, 100, 2, 25},
		{"zero page floors to one", 0, 25, 100, 1, 25},
		{"negative page floors to one", -5, 25, 100, 1, 25},
		{"zero per page floors to one", 1, 0, 100, 1, 1},
		{"per page capped at max", 1, 500, 100, 1, 100},
		{"zero max leaves per page alone", 1, 500, 0, 1, 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			page, per := ClampPage(tc.page, tc.per, tc.max)
			if page != tc.wantPage || per != tc.wantPerPage {
				t.Fatalf("ClampPage(%d, %d, %d) = (%d, %d); want (%d, %d)",
					tc.page, tc.per, tc.max, page, per, tc.wantPage, tc.wantPerPage)
			}
		})
	}
}

func TestPageSlice(t *testing.T) {
	tests := []struct {
		name           string
		n, page, per   int
		wantLo, wantHi int
	}{
		{"first page", 10, 1, 3, 0, 3},
		{"middle page", 10, 2, 3, 3, 6},
		{"last partial page", 10, 4, 3, 9, 10},
		{"page past the end", 10, 5, 3, 10, 10},
		{"exact fit", 6, 2, 3, 3, 6},
		{"empty list", 0, 1, 3, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lo, hi := PageSlice(tc.n, tc.page, tc.per)
			if lo != tc.wantLo || hi != tc.wantHi {
				t.Fatalf("PageSlice(%d, %d, %d) = [%d, %d); want [%d, %d)",
					tc.n, tc.page, tc.per, lo, hi, tc.wantLo, tc.wantHi)
			}
		})
	}
}

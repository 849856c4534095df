package usbresolve

import "testing"

func TestSplitVendorProductRejectsMalformed(t *testing.T) {
	cases := []string{"", "303a", "303a:", ":4001"}
	for _, c := range cases {
		if _, _, err := splitVendorProduct(c); err == nil {
			t.Errorf("splitVendorProduct(%q): expected error, got none", c)
		}
	}
}

func TestSplitVendorProductAcceptsWellFormed(t *testing.T) {
	vid, pid, err := splitVendorProduct("303a:4001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vid != "303a" || pid != "4001" {
		t.Fatalf("got (%q, %q), want (303a, 4001)", vid, pid)
	}
}

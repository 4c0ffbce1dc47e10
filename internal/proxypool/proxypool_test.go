package proxypool

import "testing"

func TestStaticAssignRoundRobins(t *testing.T) {
	p := NewStatic([]string{"proxy-a", "proxy-b", "proxy-c"})
	want := []string{"proxy-a", "proxy-b", "proxy-c", "proxy-a"}
	for i, w := range want {
		addr, ok := p.Assign("identity", i)
		if !ok {
			t.Fatalf("assign %d: expected ok", i)
		}
		if addr != w {
			t.Fatalf("assign %d = %q, want %q", i, addr, w)
		}
	}
}

func TestStaticAssignEmptyPoolFails(t *testing.T) {
	p := NewStatic(nil)
	if _, ok := p.Assign("identity", 0); ok {
		t.Fatal("assign from an empty pool should fail")
	}
}

func TestStaticReleaseDoesNotUnderflow(t *testing.T) {
	p := NewStatic([]string{"proxy-a"})
	p.Release("proxy-a")
	addr, ok := p.Assign("identity", 0)
	if !ok || addr != "proxy-a" {
		t.Fatalf("assign after an over-release should still work, got %q, %v", addr, ok)
	}
}

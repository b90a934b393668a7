package identity

import "testing"

func TestNewClientIDUnique(t *testing.T) {
	seen := make(map[ClientID]bool)
	for i := 0; i < 100; i++ {
		id, err := NewClientID()
		if err != nil {
			t.Fatalf("NewClientID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate client id generated: %d", id)
		}
		seen[id] = true
	}
}

func TestChannelIDCanonical(t *testing.T) {
	a, b := ClientID(5), ClientID(-3)

	c1 := NewChannelID(a, b)
	c2 := NewChannelID(b, a)

	if c1 != c2 {
		t.Fatalf("expected canonical channel ids to be equal: %v != %v", c1, c2)
	}

	x, y := c1.Clients()
	if x != b || y != a {
		t.Fatalf("expected sorted clients (%d, %d), got (%d, %d)", b, a, x, y)
	}
}

func TestChannelIDOther(t *testing.T) {
	a, b := ClientID(1), ClientID(2)
	c := NewChannelID(a, b)

	other, ok := c.Other(a)
	if !ok || other != b {
		t.Fatalf("expected other(%d) = %d, got %d, ok=%v", a, b, other, ok)
	}

	other, ok = c.Other(b)
	if !ok || other != a {
		t.Fatalf("expected other(%d) = %d, got %d, ok=%v", b, a, other, ok)
	}

	if _, ok := c.Other(ClientID(99)); ok {
		t.Fatalf("expected Other for non-participant to report false")
	}
}

func TestChannelIDContains(t *testing.T) {
	a, b, x := ClientID(10), ClientID(20), ClientID(30)
	c := NewChannelID(a, b)

	if !c.Contains(a) || !c.Contains(b) {
		t.Fatalf("expected channel to contain both participants")
	}
	if c.Contains(x) {
		t.Fatalf("expected channel to not contain %d", x)
	}
}

package partition

import "testing"

func TestForIsDeterministic(t *testing.T) {
	a := For("EU", "EUR", 8)
	for i := 0; i < 100; i++ {
		if For("EU", "EUR", 8) != a {
			t.Fatalf("partition for same key changed")
		}
	}
}

func TestForStaysInRange(t *testing.T) {
	regions := []string{"EU", "US", "UK", "APAC", "LATAM"}
	currencies := []string{"EUR", "USD", "GBP", "JPY", "CHF"}
	for _, r := range regions {
		for _, c := range currencies {
			p := For(r, c, 4)
			if p < 0 || p >= 4 {
				t.Fatalf("For(%s, %s, 4) = %d, out of range", r, c, p)
			}
		}
	}
}

func TestForSinglePartition(t *testing.T) {
	if p := For("EU", "EUR", 1); p != 0 {
		t.Fatalf("single partition should always be 0, got %d", p)
	}
}

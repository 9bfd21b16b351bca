package personalize

import (
	"testing"

	"github.com/beaconcrm/beacon/internal/db"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		snapshot db.PersonalizationSnapshot
		want     string
	}{
		{
			name:     "all placeholders",
			template: "Hi {name}, you've spent {totalSpent} with us across {visitCount} visits!",
			snapshot: db.PersonalizationSnapshot{Name: "John Doe", TotalSpent: 15000, VisitCount: 8},
			want:     "Hi John Doe, you've spent ₹15,000 with us across 8 visits!",
		},
		{
			name:     "no placeholders",
			template: "Flash sale this weekend only.",
			snapshot: db.PersonalizationSnapshot{Name: "John Doe"},
			want:     "Flash sale this weekend only.",
		},
		{
			name:     "unknown token passes through",
			template: "Hi {name}, use code {couponCode} today",
			snapshot: db.PersonalizationSnapshot{Name: "Diya"},
			want:     "Hi Diya, use code {couponCode} today",
		},
		{
			name:     "zero values",
			template: "{name} spent {totalSpent} over {visitCount} visits",
			snapshot: db.PersonalizationSnapshot{},
			want:     " spent ₹0 over 0 visits",
		},
		{
			name:     "repeated placeholder",
			template: "{name}, yes you, {name}!",
			snapshot: db.PersonalizationSnapshot{Name: "Kabir"},
			want:     "Kabir, yes you, Kabir!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, tt.snapshot); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, "₹0"},
		{950, "₹950"},
		{1000, "₹1,000"},
		{15000, "₹15,000"},
		{250000, "₹250,000"},
		{1234567, "₹1,234,567"},
		{15000.75, "₹15,001"},
		{-500, "₹0"},
	}

	for _, tt := range tests {
		if got := FormatCurrency(tt.amount); got != tt.want {
			t.Errorf("FormatCurrency(%v) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

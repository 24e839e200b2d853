package pipeline

import (
	"testing"
	"time"
)

func TestProgressTracker(t *testing.T) {
	p := NewProgressTracker("sweep")
	p.AddTotal(200)
	p.Advance(50)
	p.Advance(50)

	pr := p.Calculate()
	if pr.Current != 100 || pr.Total != 200 {
		t.Errorf("Calculate() = %d/%d, want 100/200", pr.Current, pr.Total)
	}
	if pr.Percentage != 50 {
		t.Errorf("Percentage = %v, want 50", pr.Percentage)
	}
	if pr.Description != "sweep" {
		t.Errorf("Description = %q, want sweep", pr.Description)
	}
	if len(p.Fields()) == 0 {
		t.Error("Fields() returned nothing")
	}
}

func TestNilProgressTracker(t *testing.T) {
	var p *ProgressTracker
	p.AddTotal(10)
	p.Advance(1)
	if pr := p.Calculate(); pr.Current != 0 || pr.Total != 0 {
		t.Errorf("nil tracker Calculate() = %+v, want zero", pr)
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "calculating..."},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 1*time.Minute, "2h 1m 0s"},
	}
	for _, tt := range tests {
		if got := FormatETA(tt.d); got != tt.want {
			t.Errorf("FormatETA(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatThroughput(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{12, "12/s"},
		{2500, "2.5K/s"},
		{3_200_000, "3.2M/s"},
	}
	for _, tt := range tests {
		if got := FormatThroughput(tt.rate); got != tt.want {
			t.Errorf("FormatThroughput(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

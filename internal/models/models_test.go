package models

import (
	"errors"
	"testing"
	"time"
)

func validProject() *Project {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Project{
		ID:               "basel-2006",
		Start:            start,
		End:              start.Add(48 * time.Hour),
		ForecastInterval: Duration(6 * time.Hour),
		Template: ForecastTemplate{
			Horizon:    Duration(24 * time.Hour),
			Magnitudes: MagnitudeRange{Min: 0.5, Max: 4.0},
			BinSize:    0.1,
		},
		Models: []ModelConfig{
			{ID: "etas", Type: "etas", Enabled: true},
			{ID: "rj", Type: ModelTypeRemote, URL: "http://worker:5000", Enabled: true},
		},
	}
}

func TestProject_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Project)
		wantErr error
	}{
		{"valid", func(p *Project) {}, nil},
		{"missing id", func(p *Project) { p.ID = "" }, ErrProjectIDRequired},
		{"empty range", func(p *Project) { p.End = p.Start }, ErrInvalidRange},
		{"zero interval", func(p *Project) { p.ForecastInterval = 0 }, ErrInvalidInterval},
		{"zero bin", func(p *Project) { p.Template.BinSize = 0 }, ErrInvalidMagnitudeBin},
		{"remote without url", func(p *Project) { p.Models[1].URL = "" }, ErrModelURLRequired},
		{"model without id", func(p *Project) { p.Models[0].ID = "" }, ErrModelIDRequired},
		{"model without type", func(p *Project) { p.Models[0].Type = "" }, ErrUnknownModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProject()
			tt.modify(p)
			err := p.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProject_ForecastInput(t *testing.T) {
	p := validProject()
	at := p.Start.Add(6 * time.Hour)
	in := p.ForecastInput(at)

	if in.ProjectID != p.ID {
		t.Errorf("expected project id %s, got %s", p.ID, in.ProjectID)
	}
	if !in.ForecastTime.Equal(at) {
		t.Errorf("expected forecast time %v, got %v", at, in.ForecastTime)
	}
	if in.Horizon != 24*time.Hour {
		t.Errorf("expected horizon 24h, got %v", in.Horizon)
	}
	if err := in.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestForecastInput_Clone(t *testing.T) {
	in := ForecastInput{
		BinSize: 0.1,
		Catalog: []SeismicEvent{{Magnitude: 1.2}},
		Injection: []InjectionSample{
			{FlowRate: 30},
		},
	}
	out := in.Clone()
	out.Catalog[0].Magnitude = 3.0
	out.Injection[0].FlowRate = 0

	if in.Catalog[0].Magnitude != 1.2 {
		t.Error("Clone shares the catalog with the original")
	}
	if in.Injection[0].FlowRate != 30 {
		t.Error("Clone shares the injection history with the original")
	}
}

func TestForecastInput_ValidateRange(t *testing.T) {
	in := ForecastInput{BinSize: 0.1, Magnitudes: MagnitudeRange{Min: 3, Max: 1}}
	if err := in.Validate(); err == nil {
		t.Error("expected error for inverted magnitude range")
	}
}

func TestParseClockMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ClockMode
		wantErr bool
	}{
		{"wall_clock", ClockWallClock, false},
		{"external_step", ClockExternalStep, false},
		{"", ClockWallClock, false},
		{"lockstep", "", true},
	}
	for _, tt := range tests {
		got, err := ParseClockMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClockMode(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClockMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModelRunResult_Status(t *testing.T) {
	start := time.Now()
	r := ModelRunResult{Success: true, StartedAt: start, CompletedAt: start.Add(time.Second)}
	if r.Status() != "success" {
		t.Errorf("expected success, got %s", r.Status())
	}
	if r.Duration() != time.Second {
		t.Errorf("expected 1s, got %v", r.Duration())
	}
	r.Success = false
	if r.Status() != "failed" {
		t.Errorf("expected failed, got %s", r.Status())
	}
}

func TestForecastRecord_Stage(t *testing.T) {
	r := &ForecastRecord{Stages: []StageRecord{{StageID: "ensemble", Success: true}, {StageID: "hazard"}}}
	if s, ok := r.Stage("hazard"); !ok || s.StageID != "hazard" {
		t.Errorf("Stage(hazard) = %+v, %v", s, ok)
	}
	if _, ok := r.Stage("risk"); ok {
		t.Error("Stage(risk) should not be found")
	}
}

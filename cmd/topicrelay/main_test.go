package main

import (
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/witnz/topicrelay/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefinitionFrom(t *testing.T) {
	def, err := definitionFrom(config.PointsConfig{Name: "Loyalty", Tick: "LOY", MaxSupply: "5000", LimitPerMint: "50"})
	if err != nil {
		t.Fatalf("definitionFrom failed: %v", err)
	}
	if def.Name != "Loyalty" || def.Tick != "LOY" {
		t.Errorf("unexpected definition: %+v", def)
	}
	if !def.MaxSupply.Equal(decimal.NewFromInt(5000)) || !def.LimitPerMint.Equal(decimal.NewFromInt(50)) {
		t.Errorf("unexpected amounts: %s %s", def.MaxSupply, def.LimitPerMint)
	}

	if _, err := definitionFrom(config.PointsConfig{MaxSupply: "lots"}); err == nil {
		t.Error("expected error for invalid max supply")
	}

	def, _ = definitionFrom(config.PointsConfig{})
	if def.Tick != "mrp" {
		t.Errorf("expected default tick, got %s", def.Tick)
	}
}

func TestShortHash(t *testing.T) {
	if got := shortHash("0123456789abcdef0123"); got != "0123456789abcdef" {
		t.Errorf("unexpected short hash %s", got)
	}
	if got := shortHash("abc"); got != "abc" {
		t.Errorf("unexpected short hash %s", got)
	}
}

package jobs

import (
    "context"
    "testing"

    "github.com/rs/zerolog"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
)

type noopService struct{}

func (noopService) ScanAll(ctx context.Context, projectQuery string) ([]domain.ScannedIssue, error) {
    return nil, nil
}

func TestNewCron_UnknownTimezoneFallsBackToUTC(t *testing.T) {
    cfg := config.Config{TZ: "Not/AZone", ScanCron: "0 7 * * MON-FRI"}
    cr := NewCron(cfg, zerolog.Nop(), noopService{}, nil)
    if cr == nil {
        t.Fatalf("scheduler should construct with an unknown timezone")
    }
    if got := len(cr.c.Entries()); got != 1 {
        t.Fatalf("expected the scan job to be registered, got %d entries", got)
    }
    cr.Start()
    cr.Stop()
}

func TestNewCron_ValidTimezone(t *testing.T) {
    cfg := config.Config{TZ: "UTC", ScanCron: "30 9 * * *"}
    cr := NewCron(cfg, zerolog.Nop(), noopService{}, nil)
    if got := len(cr.c.Entries()); got != 1 {
        t.Fatalf("expected one scheduled job, got %d", got)
    }
}

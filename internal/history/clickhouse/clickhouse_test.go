package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/syncq/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	clickHouseContainer, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := clickHouseContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "run_history"})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	started := time.Now().Add(-time.Minute).UTC()
	rec := history.Record{RunID: "ch-run", State: "running", Total: 3, StartedAt: started}
	if err := sink.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: started, Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	rec.State = "completed"
	rec.SuccessCount = 3
	rec.FinishedAt = time.Now().UTC()
	if err := sink.Send(ctx, history.Event{Type: history.EventCompleted, OccurredAt: rec.FinishedAt, Record: rec}); err != nil {
		t.Fatalf("Failed to send completed event: %v", err)
	}

	n, err := sink.Count(ctx, "ch-run")
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 events, got %d", n)
	}
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/realmkit/internal/database"
)

func TestWatcherPicksUpCommitsFromAnotherProcess(testContext *testing.T) {
	path := tempPath(testContext)
	conn := mustOpen(testContext, Config{Path: path, WatchFile: true})
	since := conn.Version()

	external, err := database.OpenSQLite(path, nil, &rowRecord{}, &metaRecord{})
	if err != nil {
		testContext.Fatalf("failed to open external handle: %v", err)
	}
	defer database.Close(external)
	if err := external.Create(&rowRecord{ID: 1, Class: "Dog", Payload: []byte(`{"external":true}`), Version: since + 1}).Error; err != nil {
		testContext.Fatalf("external insert failed: %v", err)
	}
	if err := external.Save(&metaRecord{Key: metaCommitVersion, IntValue: since + 1}).Error; err != nil {
		testContext.Fatalf("external commit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.WaitForChange(ctx, since); err != nil {
		testContext.Fatalf("expected watcher to publish the external commit: %v", err)
	}
	conn.Refresh()
	rows, err := conn.Scan("Dog")
	if err != nil || len(rows) != 1 {
		testContext.Fatalf("expected external row, rows=%d err=%v", len(rows), err)
	}
}

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/MarcoPoloResearchLab/realmkit/internal/config"
	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
)

type Dog struct {
	Name string `realm:"name,pk"`
	Age  int64  `realm:"age"`
}

func seededRealm(t *testing.T) realm.Config {
	t.Helper()
	cfg := realm.Config{Path: filepath.Join(t.TempDir(), "dogs.realm"), Types: []any{Dog{}}}
	seeded, err := realm.Open(cfg)
	require.NoError(t, err)
	defer seeded.Close()
	require.NoError(t, seeded.Write(func() error {
		for _, dog := range []Dog{{Name: "Rex", Age: 1}, {Name: "Fido", Age: 4}} {
			if _, err := seeded.Add(&dog, false); err != nil {
				return err
			}
		}
		return nil
	}))
	puppies, err := seeded.Filter(query.New("Dog").Where("age", query.Less, 2))
	require.NoError(t, err)
	sub, err := subscription.Subscribe(puppies, subscription.Options{Name: "puppies"})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	return cfg
}

func TestInspectReportsClassesAndSubscriptions(t *testing.T) {
	cfg := seededRealm(t)
	opened, err := realm.Open(dynamicConfig(config.AppConfig{RealmPath: cfg.Path}, false))
	require.NoError(t, err)
	defer opened.Close()

	report, err := buildReport(opened)
	require.NoError(t, err)
	require.Len(t, report.Classes, 1)
	assert.Equal(t, "Dog", report.Classes[0].Name)
	assert.Equal(t, 2, report.Classes[0].Count)
	require.Len(t, report.Subscriptions, 1)
	assert.Equal(t, "puppies", report.Subscriptions[0].Name)
	assert.Equal(t, "pending", report.Subscriptions[0].State)

	var text bytes.Buffer
	require.NoError(t, renderReport(&text, report, formatText))
	assert.Contains(t, text.String(), "name:string pk")
	assert.Contains(t, text.String(), "puppies")

	var encoded bytes.Buffer
	require.NoError(t, renderReport(&encoded, report, formatYAML))
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(encoded.Bytes(), &decoded))
	assert.Equal(t, cfg.Path, decoded["path"])
	classes, ok := decoded["classes"].([]any)
	require.True(t, ok)
	assert.Len(t, classes, 1)
}

type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func TestWatchPrintsChangesAndRanges(t *testing.T) {
	cfg := seededRealm(t)
	out := &lockedBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		watched, err := realm.Open(dynamicConfig(config.AppConfig{RealmPath: cfg.Path}, false))
		if err != nil {
			done <- err
			return
		}
		defer watched.Close()
		done <- watchClass(ctx, watched, "Dog", "name", false, out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "initial count=2")
	}, 5*time.Second, 10*time.Millisecond)

	writer, err := realm.Open(cfg)
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Write(func() error {
		_, err := writer.Add(&Dog{Name: "Zed", Age: 7}, false)
		return err
	}))

	require.Eventually(t, func() bool {
		text := out.String()
		return strings.Contains(text, "changes count=3 inserted=[2]") && strings.Contains(text, "range add start=2 count=1")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
	assert.Contains(t, out.String(), "range reset start=-1 count=2")
}

func TestRenderReportOmitsEmptySubscriptionTable(t *testing.T) {
	var text bytes.Buffer
	require.NoError(t, renderReport(&text, inspectReport{Path: "empty.realm", Classes: []classReport{{Name: "Dog"}}}, formatText))
	assert.NotContains(t, text.String(), "SUBSCRIPTION")
}

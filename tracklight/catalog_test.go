package tracklight

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tracklight/tracklight-mcp/mcpserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func toolNames(reg *mcpserver.Registry) map[string]string {
	names := map[string]string{}
	for _, tool := range reg.Snapshot() {
		names[tool.Name] = tool.Description
	}
	return names
}

func TestCatalogMissingFileLoadsDefaults(t *testing.T) {
	c, _ := newStubClient(t, nil)
	reg := mcpserver.NewRegistry()
	cat := NewCatalog(filepath.Join(t.TempDir(), "absent.json"), c, reg, discardLogger())

	if err := cat.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(reg.Snapshot()); got != len(AllTools(c)) {
		t.Errorf("got %d tools, want full default set", got)
	}
}

func TestCatalogDisablesAndOverrides(t *testing.T) {
	c, _ := newStubClient(t, nil)
	reg := mcpserver.NewRegistry()
	path := filepath.Join(t.TempDir(), "catalog.json")
	data := `{
  "tools": [
    {"name": "tracklight_create_issue", "enabled": false},
    {"name": "tracklight_viewer", "description": "Show who you are logged in as."}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cat := NewCatalog(path, c, reg, discardLogger())
	if err := cat.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	names := toolNames(reg)
	if _, ok := names["tracklight_create_issue"]; ok {
		t.Error("tracklight_create_issue should be disabled")
	}
	if got := names["tracklight_viewer"]; got != "Show who you are logged in as." {
		t.Errorf("viewer description = %q", got)
	}
	if _, ok := names["tracklight_search_issues"]; !ok {
		t.Error("unlisted tools should remain enabled")
	}
}

func TestCatalogBadFileFailsLoad(t *testing.T) {
	c, _ := newStubClient(t, nil)
	reg := mcpserver.NewRegistry()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	cat := NewCatalog(path, c, reg, discardLogger())
	if err := cat.Load(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCatalogReloadSignalsListChanged(t *testing.T) {
	c, _ := newStubClient(t, nil)
	reg := mcpserver.NewRegistry()
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(`{"tools":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cat := NewCatalog(path, c, reg, discardLogger())
	if err := cat.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	sub := reg.Subscriber()
	if err := os.WriteFile(path, []byte(`{"tools":[{"name":"tracklight_viewer","enabled":false}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := cat.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub:
	default:
		t.Fatal("expected change notification after reload")
	}
	if _, ok := toolNames(reg)["tracklight_viewer"]; ok {
		t.Error("tracklight_viewer should be disabled after reload")
	}
}

package server

import (
	"strings"
	"testing"
)

func TestMigrateRequiresDSN(t *testing.T) {
	err := Migrate("", "", "up", 0)
	if err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("expected empty dsn error, got %v", err)
	}
}

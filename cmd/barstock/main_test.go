package main

import (
	"testing"

	"github.com/barstock/barstock/internal/app"
	_ "github.com/barstock/barstock/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode to be detected")
	}
	main()
}

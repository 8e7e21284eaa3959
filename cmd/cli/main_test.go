package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitGlobalFlags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantConfig string
		wantRest   []string
	}{
		{"no config", []string{"-batch-size", "50"}, "", []string{"-batch-size", "50"}},
		{"separate value", []string{"-config", "etl.yaml", "-batch", "3"}, "etl.yaml", []string{"-batch", "3"}},
		{"equals form", []string{"-batch", "3", "--config=etl.yaml"}, "etl.yaml", []string{"-batch", "3"}},
		{"dangling flag", []string{"-preview", "-config"}, "", []string{"-preview"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("cli", flag.ContinueOnError)
			configPath := fs.String("config", "", "")

			rest := splitGlobalFlags(fs, tt.args)
			assert.Equal(t, tt.wantConfig, *configPath)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

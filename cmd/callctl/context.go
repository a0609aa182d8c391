package main

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"voice-jobs-go/internal/app"
	"voice-jobs-go/internal/config"
	"voice-jobs-go/internal/logger"
)

type commandContext struct {
	configDir string
	dbPath    string
	mock      bool
	verbose   bool

	once   sync.Once
	app    *app.App
	appErr error
}

// ensureApp builds the pipeline on first use. Logs go to stderr so command
// output stays clean on stdout.
func (c *commandContext) ensureApp(cmd *cobra.Command) (*app.App, error) {
	c.once.Do(func() {
		if dir := strings.TrimSpace(c.configDir); dir != "" {
			_ = os.Setenv("VOICEJOBS_CONFIG", dir)
		}
		cfg, err := config.Load()
		if err != nil {
			c.appErr = err
			return
		}
		if c.dbPath != "" {
			cfg.Database.Path = c.dbPath
		}
		if c.mock {
			cfg.LLM.UseMock = true
			cfg.Transcription.UseMock = true
		}
		level := "warn"
		if c.verbose {
			level = "debug"
		}
		log := logger.NewWithOptions(logger.Options{
			Level:       level,
			Format:      "text",
			Environment: cfg.Environment,
			Output:      cmd.ErrOrStderr(),
		})
		c.app, c.appErr = app.Build(commandCtx(cmd), cfg, log)
	})
	return c.app, c.appErr
}

func (c *commandContext) close() {
	if c.app != nil {
		_ = c.app.Close()
	}
}

func commandCtx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

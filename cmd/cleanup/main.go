// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Command cleanup deletes grant rows that expired before the retention
// window. It is the one-shot form of the server's scheduled purge.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/opentrusty/accessgate/internal/audit"
	"github.com/opentrusty/accessgate/internal/config"
	"github.com/opentrusty/accessgate/internal/housekeeping"
	"github.com/opentrusty/accessgate/internal/observability/logger"
	"github.com/opentrusty/accessgate/internal/store/postgres"
)

func main() {
	var retention time.Duration
	flagSet := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	flagSet.DurationVar(&retention, "retention", 720*time.Hour, "keep grants that expired within this window")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		os.Exit(2)
	}

	logger.InitLogger(logger.Config{Level: "info", Format: "text", ServiceName: "accessgate-cleanup"})

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		Host:         dbCfg.Host,
		Port:         dbCfg.Port,
		User:         dbCfg.User,
		Password:     dbCfg.Password,
		Database:     dbCfg.Database,
		SSLMode:      dbCfg.SSLMode,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	purger := housekeeping.NewPurger(postgres.NewGrantRepository(db, slog.Default()), retention,
		audit.NewSlogLogger(slog.Default()), slog.Default())
	n, err := purger.Run(ctx)
	if err != nil {
		slog.Error("cleanup failed", logger.Error(err))
		os.Exit(1)
	}
	fmt.Printf("removed %d expired grants\n", n)
}

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
// Command migrate applies or rolls back the grant store schema.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/opentrusty/accessgate/internal/config"
	"github.com/opentrusty/accessgate/internal/store/postgres"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var direction string
	var steps int
	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flagSet.StringVarP(&direction, "direction", "d", "up", "up, down or version")
	flagSet.IntVarP(&steps, "steps", "n", 1, "migrations to roll back with --direction=down")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}

	mg, err := postgres.NewMigrator(postgres.Config{
		Host:     dbCfg.Host,
		Port:     dbCfg.Port,
		User:     dbCfg.User,
		Password: dbCfg.Password,
		Database: dbCfg.Database,
		SSLMode:  dbCfg.SSLMode,
	})
	if err != nil {
		return err
	}
	defer mg.Close()

	switch direction {
	case "up":
		if err := mg.Up(); err != nil {
			return err
		}
	case "down":
		if err := mg.Down(steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

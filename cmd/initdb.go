package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tilecraft/tileserv/internal/db"
)

const initSchema = `
CREATE TABLE IF NOT EXISTS datasource (
	id          SERIAL PRIMARY KEY,
	identifier  VARCHAR NOT NULL UNIQUE,
	data_type   VARCHAR NOT NULL,
	host        VARCHAR,
	port        INTEGER,
	store_type  VARCHAR NOT NULL,
	mbtiles     BOOLEAN NOT NULL DEFAULT false,
	name        VARCHAR NOT NULL,
	description VARCHAR,
	attribution VARCHAR,
	minzoom     INTEGER NOT NULL DEFAULT 0,
	maxzoom     INTEGER NOT NULL DEFAULT 22,
	bounds      JSONB,
	center      JSONB,
	data        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS queue (
	id              SERIAL PRIMARY KEY,
	job_id          VARCHAR NOT NULL UNIQUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	scheduled_for   TIMESTAMPTZ NOT NULL DEFAULT now(),
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	status          INTEGER NOT NULL DEFAULT 0,
	job_detail      JSONB
);

CREATE INDEX IF NOT EXISTS idx_queue_scheduled_for ON queue (scheduled_for);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue (status);
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the datasource and queue tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		pool, err := db.Connect(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()

		if _, err := pool.Exec(ctx, initSchema); err != nil {
			return eris.Wrap(err, "init: create schema")
		}

		zap.L().Info("database initialized",
			zap.String("db", cfg.DB.Name),
			zap.String("host", cfg.DB.Host),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

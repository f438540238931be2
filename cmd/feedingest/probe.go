package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	cli "github.com/jawher/mow.cli"
	"github.com/xlab/closer"
	log "github.com/xlab/suplog"

	"github.com/ironscout/feedingest/internal/crypto"
	"github.com/ironscout/feedingest/internal/fetcher"
	"github.com/ironscout/feedingest/internal/parser"
	"github.com/ironscout/feedingest/internal/store"
)

// probeCmd action loads one feed's config from the database, fetches it
// once, and parses the result, printing a summary. Nothing is written to
// the database: no run is created, no products are upserted.
//
// $ feedingest probe <FEED_ID>
func probeCmd(cmd *cli.Cmd) {
	feedID := cmd.StringArg("FEED_ID", "", "ID of the feed to fetch and parse once")

	var (
		databaseURL   *string
		allowPlainFTP *bool
		encryptionKey *string
	)

	initDatabaseOptions(cmd, &databaseURL)
	initFetcherOptions(cmd, &allowPlainFTP, &encryptionKey)

	cmd.Action = func() {
		defer closer.Close()
		ctx := context.Background()

		pool, err := pgxpool.New(ctx, *databaseURL)
		if err != nil {
			log.WithError(err).Fatalln("failed to connect to database")
			return
		}
		defer pool.Close()

		feedStore := store.NewPostgresStore(pool)

		f, err := feedStore.LoadFeed(ctx, *feedID)
		if err != nil {
			log.WithField("feed_id", *feedID).WithError(err).Errorln("failed to load feed")
			return
		}

		decryptor, err := crypto.NewDecryptor(*encryptionKey)
		if err != nil {
			log.WithError(err).Warningln("credential decryption key not configured; authenticated feeds will fail")
		}

		ft := fetcher.New(decryptor, func() bool { return *allowPlainFTP })

		dl, err := ft.Download(ctx, f, fetcher.Memo{})
		if err != nil {
			log.WithError(err).Errorln("download failed")
			return
		}

		if dl.Skipped {
			log.WithField("reason", dl.SkippedReason).Infoln("download skipped")
			return
		}

		parsed, err := parser.Parse(dl.Content, f.MaxRowCount, f.ID)
		if err != nil {
			log.WithError(err).Errorln("parse failed")
			return
		}

		logger := log.WithFields(log.Fields{
			"feed_id":      f.ID,
			"rows_read":    parsed.RowsRead,
			"products":     len(parsed.Products),
			"parse_errors": len(parsed.Errors),
		})
		logger.Infoln("probe complete")

		for i, e := range parsed.Errors {
			if i >= 20 {
				logger.Infof("... %d more parse errors suppressed", len(parsed.Errors)-i)
				break
			}
			log.WithField("row", e.RowNumber).WithField("code", e.Code).Warningln(e.Message)
		}
	}
}

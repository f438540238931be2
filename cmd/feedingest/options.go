package main

import cli "github.com/jawher/mow.cli"

// initGlobalOptions defines CLI options useful for most parts of the app.
func initGlobalOptions(
	envName **string,
	appLogLevel **string,
) {
	*envName = app.String(cli.StringOpt{
		Name:   "e env",
		Desc:   "The environment name this app runs in. Used for metrics and error reporting.",
		EnvVar: "FEEDINGEST_ENV",
		Value:  "local",
	})

	*appLogLevel = app.String(cli.StringOpt{
		Name:   "l log-level",
		Desc:   "Available levels: error, warn, info, debug.",
		EnvVar: "FEEDINGEST_LOG_LEVEL",
		Value:  "info",
	})
}

func initDatabaseOptions(
	cmd *cli.Cmd,
	databaseURL **string,
) {
	*databaseURL = cmd.String(cli.StringOpt{
		Name:   "database-url",
		Desc:   "Postgres connection string for feed config, product, price, and queue storage.",
		EnvVar: "FEEDINGEST_DATABASE_URL",
		Value:  "postgres://localhost:5432/feedingest",
	})
}

func initFetcherOptions(
	cmd *cli.Cmd,
	allowPlainFTP **bool,
	encryptionKey **string,
) {
	*allowPlainFTP = cmd.Bool(cli.BoolOpt{
		Name:   "allow-plain-ftp",
		Desc:   "Allow connecting to feeds over unencrypted FTP. Disabled by default (§4.3 policy switch).",
		EnvVar: "FEEDINGEST_ALLOW_PLAIN_FTP",
		Value:  false,
	})

	*encryptionKey = cmd.String(cli.StringOpt{
		Name:   "credential-encryption-key",
		Desc:   "Base64-encoded 32-byte AES-256 key used to decrypt stored feed passwords.",
		EnvVar: "FEEDINGEST_CREDENTIAL_KEY",
	})
}

func initQueueOptions(
	cmd *cli.Cmd,
	maxWorkers **int,
) {
	*maxWorkers = cmd.Int(cli.IntOpt{
		Name:   "max-workers",
		Desc:   "Maximum number of feed jobs processed concurrently.",
		EnvVar: "FEEDINGEST_MAX_WORKERS",
		Value:  10,
	})
}

func initWorkerOptions(
	cmd *cli.Cmd,
	workerConfigFile **string,
) {
	*workerConfigFile = cmd.String(cli.StringOpt{
		Name:   "worker-config",
		Desc:   "Path to a TOML file overriding the processor's chunk size and heartbeat hours. Optional.",
		EnvVar: "FEEDINGEST_WORKER_CONFIG",
	})
}

func initNotifyOptions(
	cmd *cli.Cmd,
	notifyEndpoint **string,
) {
	*notifyEndpoint = cmd.String(cli.StringOpt{
		Name:   "notify-endpoint",
		Desc:   "Webhook URL that receives feed run/circuit-breaker/auto-disable notifications. Empty disables notifications.",
		EnvVar: "FEEDINGEST_NOTIFY_ENDPOINT",
	})
}

// initStatsdOptions sets options for StatsD metrics.
func initStatsdOptions(
	cmd *cli.Cmd,
	statsdPrefix **string,
	statsdAddr **string,
	statsdStuckDur **string,
	statsdMocking **string,
	statsdDisabled **string,
) {
	*statsdPrefix = cmd.String(cli.StringOpt{
		Name:   "statsd-prefix",
		Desc:   "Specify StatsD compatible metrics prefix.",
		EnvVar: "FEEDINGEST_STATSD_PREFIX",
		Value:  "feedingest",
	})

	*statsdAddr = cmd.String(cli.StringOpt{
		Name:   "statsd-addr",
		Desc:   "UDP address of a StatsD compatible metrics aggregator.",
		EnvVar: "FEEDINGEST_STATSD_ADDR",
		Value:  "localhost:8125",
	})

	*statsdStuckDur = cmd.String(cli.StringOpt{
		Name:   "statsd-stuck-func",
		Desc:   "Sets a duration to consider a function to be stuck (e.g. in deadlock).",
		EnvVar: "FEEDINGEST_STATSD_STUCK_DUR",
		Value:  "5m",
	})

	*statsdMocking = cmd.String(cli.StringOpt{
		Name:   "statsd-mocking",
		Desc:   "If enabled replaces statsd client with a mock one that simply logs values.",
		EnvVar: "FEEDINGEST_STATSD_MOCKING",
		Value:  "false",
	})

	*statsdDisabled = cmd.String(cli.StringOpt{
		Name:   "statsd-disabled",
		Desc:   "Force disabling statsd reporting completely.",
		EnvVar: "FEEDINGEST_STATSD_DISABLED",
		Value:  "true",
	})
}

// Package tpcd exposes the Go APIs behind a two-phase-commit coordinator
// daemon. A coordinator drives consensus instances across a set of
// participants: it asks every participant for a vote, decides commit or
// abort, and delivers the decision until each participant has acknowledged
// it. Every action addressed to a participant is written to a durable action
// log before it is sent, so a restarted coordinator resumes exactly where it
// stopped.
//
// # Running a server
//
//	cfg := tpcd.Config{
//	    Listen:       ":9440",
//	    Store:        "leveldb:///var/lib/tpcd/actions",
//	    Archive:      "disk:///var/lib/tpcd/archive",
//	    Participants: []string{"inventory=http://inventory:9442", "billing=http://billing:9442"},
//	}
//	srv, stop, err := tpcd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Start binds the listener, replays the action log through the recovery
// scanner and only then marks the coordinator ready. Until that point the API
// answers 503 with error code not_ready.
//
// # Action log stores
//
// `Config.Store` selects the action log:
//
//   - `mem://` keeps everything in memory (tests, demos).
//   - `disk:///path` writes an append-only CRC'd record file with fdatasync.
//   - `leveldb:///path` stores one row per action in goleveldb and carries a
//     versioned schema. Older databases are upgraded by `tpcd migrate` or by
//     setting `Config.AutoMigrate`.
//
// Every store is wrapped with bounded retries for transient faults and with
// trace spans and debug logs per operation.
//
// # Archives
//
// Finished instances are snapshotted to `Config.Archive` and purged from the
// action log once every action has executed. Supported sinks are
// `disk:///path`, `s3://host[:port]/bucket[/prefix]` (MinIO and other
// S3-compatible services), `aws://bucket[/prefix]?region=...` and
// `azure://account/container[/prefix]`. Status lookups for archived instances
// are served from the sink.
//
// # HTTP API
//
//	POST /v1/instances                 begin an instance
//	GET  /v1/instances                 list live instances
//	GET  /v1/instances/{id}            instance status
//	POST /v1/instances/{id}/votes      record an asynchronous vote
//	GET  /v1/instances/{id}/actions    the instance's action log
//	GET  /healthz, /readyz
//
// Participants receive deliveries as JSON POSTs to
// `{endpoint}/v1/2pc/{vote-request|commit|abort}` and may answer a vote
// request synchronously with `{"vote":"YES"}`.
//
// # Telemetry
//
// `Config.MetricsListen` exposes Prometheus metrics at /metrics,
// `Config.OTLPEndpoint` exports traces over OTLP (grpc:// or http://) and
// `Config.PprofListen` serves net/http/pprof.
package tpcd

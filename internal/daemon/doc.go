// Package daemon runs the sync session: it boots synchronization when the
// session starts and again whenever something suggests the local copy may
// be stale.
//
// # Boot
//
// A boot runs three steps in order:
//
//  1. Bulk pull of every entity kind (sync.Engine.SyncFromRemote).
//  2. Realtime subscription of every kind (realtime.Manager.SubscribeAll).
//  3. Drain of the outbound queue, when a DrainFunc is configured.
//
// A failed pull is logged and ends the boot; the next trigger retries.
// Boots never overlap. Triggers that arrive while a boot is running are
// folded into a single trailing boot, however many there were.
//
// # Triggers
//
// Trigger is the only entry point. Sources adapt the outside world to it:
//
//   - ConnectivityProbe dials the server and reports TriggerOnline on an
//     offline to online edge.
//   - SignalSource maps SIGCONT and SIGUSR1 (the process was resumed or
//     brought to the foreground) to TriggerVisible.
//   - FileWatcher reports TriggerSession when the session token file is
//     rewritten by a sign-in.
//
// Config reloads are wired by the caller via config.Watch and
// TriggerConfig.
//
// # Usage
//
//	d := daemon.New(engine, manager, daemon.Options{Logger: logger})
//	d.AddSource(daemon.NewConnectivityProbe("db.example.supabase.co:5432", time.Minute))
//	if err := d.Run(ctx, processor.Drain); err != nil {
//	    log.Fatal(err)
//	}
package daemon

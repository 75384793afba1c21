package service

// Package service wires the tracker with its worker, subscribers and
// the control input into a runnable retester.
//
// Overview
// The Supervisor owns two loops run under one errgroup: the tracker event
// loop and the control loop. The control loop reads JSON line commands,
// restarts a worker which exited on its own and, in timer mode, re-runs
// failed test files on each tick of a gocron schedule.
//
// Data flow:
//
//   control input          Supervisor              Tracker           worker
//       |                      |                      |                 |
//   {"op":"dispatch"} -------->| Dispatch ----------->| test ---------->|
//       |                      |                      |<-- test/pass ---|
//       |                      |                      | publish
//       |                      |                      |---> WriteSubscriber (stdout)
//       |                      |                      |---> OSRootSubscriber (service.dir)
//       |                      |                      |---> WebhookSubscriber (service.webhook)
//       |                      |                      |---> notify.Notifier
//       |                      |<-- worker exited ----|-----------------|
//       |                      | RestartWorker ------>|                 |
//
// Invariants:
//   - Subscribers are closed by the tracker on shutdown.
//   - A worker closed by the tracker never triggers a restart.
//   - Pending restart and timer signals are coalesced into one.
//   - EOF on the control input or a quit command stops the supervisor.

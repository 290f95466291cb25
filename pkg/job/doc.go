// Package job runs periodic maintenance tasks on River, the Postgres-native job queue.
//
// Tasks are plain structs with Name, Schedule and Handle methods. No interface
// import is needed:
//
//	type Reconcile struct{ r *recovery.Reconciler }
//
//	func (t *Reconcile) Name() string     { return "reconcile" }
//	func (t *Reconcile) Schedule() string { return "*/5 * * * *" }
//	func (t *Reconcile) Handle(ctx context.Context) error {
//		_, err := t.r.Reconcile(ctx)
//		return err
//	}
//
//	manager, err := job.NewManager(pool, job.WithScheduledTask(&Reconcile{r}))
//
// River elects one leader among all connected processes and only the leader
// inserts periodic jobs, so a task runs once per tick across the deployment.
// [Migrate] installs River's own tables.
package job

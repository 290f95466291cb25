// Package record is the durable store of email intents and their lifecycle.
//
// An intent starts SCHEDULED and moves to SENT or FAILED exactly once. While it
// is SCHEDULED it may be rescheduled, and only to a strictly later time. Every
// mutation is a single conditional row update, so concurrent dispatchers in
// separate processes cannot move a terminal intent back.
//
// Two backends implement [Store]: [Postgres] for production and [Memory] for
// single-process use and tests.
package record

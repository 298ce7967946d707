// Package queue persists detection jobs in SQLite and implements the
// dispatch queue shared by the ingress gateway and the worker pool.
//
// Enqueue commits a pending job before returning. Dequeue claims the oldest
// pending job inside an immediate transaction so exactly one consumer holds a
// lease at a time; leases that expire without an Ack are made visible again,
// which gives at-least-once delivery. Jobs whose attempt budget is exhausted
// are dead-lettered and keep their payload so an operator can retry them.
//
// Schema changes bump the version in schema.go; users clear the database to
// adopt the new schema.
package queue

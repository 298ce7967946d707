// Package worker drains the dispatch queue and turns jobs into detection
// records.
//
// A Pool runs a fixed number of Workers. Each Worker owns exactly one
// detection.Capability, loaded once when the pool starts and closed when it
// stops; workers share no other mutable state. For every claimed job a worker
// decodes the payload, runs the capability under an inference deadline,
// appends the record to the result store, and only then acknowledges the job.
// A crash between write and ack leads to redelivery, which the result store
// answers with ErrDuplicate, so each job yields exactly one record.
//
// While inference runs a heartbeat extends the job's lease so slow inference
// is not mistaken for a dead consumer. The heartbeat stops at the inference
// deadline. A capability that ignores its deadline is abandoned: the job fails
// with a timeout, the capability is closed once its call returns, and the
// worker loads a replacement before claiming the next job.
package worker

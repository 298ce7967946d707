// Package gateway implements the HTTP ingress for detection requests.
//
// POST /process accepts one image, either as the multipart field "image" or as
// a raw image/* body. In async mode the image is durably enqueued and the
// handler answers 202 with the job id before any detection runs; an unreachable
// queue yields 503 and nothing is silently dropped. In sync mode the gateway
// runs its own capability inline and answers 200 with the detections,
// optionally persisting a record as the workers would. Missing or empty
// payloads are rejected with 400 before anything is enqueued.
//
// GET|POST /active is a liveness probe. GET /ws/records streams newly stored
// records over a websocket by tailing the result store.
package gateway

// Package detection holds the domain types shared by the gateway, the worker
// pool, and the result store: detections, detection records, decoded images,
// and the Capability interface that wraps an object-detection model.
//
// It also owns the pure functions around a detector: image decoding and
// validation, box sanitizing, record identifiers, and parsing of raw model
// output tensors into detections.
package detection

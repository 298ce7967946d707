// Package ingest submits images to a running gateway.
//
// UploadDirectory posts every Nth still image from a directory and
// SampleFrames posts every Nth frame from a FrameSource such as a decoded
// video. Both keep going past individual failures and report counts.
package ingest

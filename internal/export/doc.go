// Package export writes stored detection records out as a labelled dataset:
// tags.json, images/<record_id>.<ext>, and detections/<record_id>.json, which
// is the input layout the dataset converter reads.
//
// Tag ids are assigned 1-based in first-seen order while walking records in
// record id order, so an export of the same records is reproducible. Tag
// names are compared after Unicode normalization and case folding; the first
// spelling seen is the one written.
package export

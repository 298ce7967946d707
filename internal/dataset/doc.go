// Package dataset converts an exported detection dataset into the YOLO
// training layout.
//
// The input directory holds tags.json (the tag manifest), images/, and
// detections/<stem>.json per image. The output holds tags.yaml,
// images/{train,val,test}, and labels/{train,val,test}. Images are split with
// an explicit seed so a conversion can be reproduced exactly; the test split
// is a byte-for-byte copy of val. A missing manifest or a malformed detection
// file aborts the whole conversion before anything is written, while an image
// without a detection file is skipped with a warning.
package dataset

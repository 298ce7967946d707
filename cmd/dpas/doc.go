// Command dpas runs the detection pipeline and its dataset tooling.
//
// `dpas serve` starts the ingress gateway and, in async mode, an in-process
// worker pool. `dpas worker` runs consumers against the shared queue only.
// `dpas export` and `dpas convert` turn stored results into a YOLO training
// set, and `dpas upload` / `dpas sample-video` feed images to a gateway.
// Queue maintenance lives under `dpas queue`.
package main

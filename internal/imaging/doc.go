// Package imaging implements the image acquisition protocol between a host
// and its cameras.
//
// Host side:
//   - Requester sends acquire_image commands to named targets, numbering
//     requests per target from 1.
//   - Receiver saves each capture published on the imaging topic as an
//     image file plus a JSON metadata file sharing one identifier, and
//     optionally indexes it in the SQLite catalog.
//   - Timelapse and AcquireOnce are supervised host operations built on
//     the Requester.
//
// Camera side:
//   - Acquirer executes acquire_image and set_params commands against a
//     Camera and publishes the results on the imaging and params topics.
//
// Image data travels base64 encoded inside the JSON capture payload.
package imaging

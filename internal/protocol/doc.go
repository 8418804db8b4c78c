// Package protocol defines the JSON command protocol spoken between hosts,
// cameras and illuminators.
//
// Every command is a JSON object whose "mode" (illumination) or "action"
// (camera control) field names the variant; the remaining fields are its
// parameters:
//
//	{"mode":"wipe","colors":[{"red":0,"green":0,"blue":255,"wait_ms":40,"hold_ms":0}],"loop":true}
//	{"action":"acquire_image","format":"jpeg","capture_format_params":{"quality":100}, ...}
//
// Decoding produces a closed set of Command variants. Consumers dispatch
// with an exhaustive type switch whose default arm handles anything the
// decoder did not produce. Decode failures are returned as *DecodeError and
// are meant to be logged with a bounded payload preview and dropped, never
// propagated.
//
// Deployment commands are plain strings ("reboot", "git pull", ...) on the
// deployment topic and are parsed by ParseDeployAction.
package protocol

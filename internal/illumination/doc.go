// Package illumination drives an addressable LED strip from illumination
// commands.
//
// The Controller subscribes to the illumination topic, decodes each
// {"mode": ...} command and runs the matching animation as the single active
// operation of its supervisor, so a new mode always replaces the previous
// one. Connection events change the lights too: the strip breathes while the
// device is offline and is cleared once it reconnects.
//
// Animations are frame-stepped. Each frame sets every pixel, shows the strip
// and then waits at least a millisecond, checking for cancellation during
// the wait.
package illumination

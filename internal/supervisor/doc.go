// Package supervisor runs at most one long-running mode operation at a time.
//
// A device does one thing at a time: a light pattern, a timelapse. A new
// command replaces whatever is running:
//
//	sup := supervisor.New("illumination")
//	sup.SetActive(&supervisor.Operation{Name: "breathe", Run: breathe})
//	sup.SetActive(&supervisor.Operation{Name: "wipe", Run: wipe}) // breathe is cancelled first
//	sup.Stop()                                                     // on shutdown
//
// Replacement is compare-and-replace, not a queue. If several SetActive
// calls race, only the most recent one starts; the others are dropped.
//
// Cancellation is cooperative. Operations receive a context and must check
// it at every frame or polling interval, so the wait inside SetActive is
// bounded by the longest single step.
package supervisor
